package query

import (
	"testing"

	"github.com/hatlonely/rdbx/rdb"
	"github.com/hatlonely/rdbx/rdb/schema"
	"github.com/pkg/errors"
	. "github.com/smartystreets/goconvey/convey"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type Author struct {
	ID   int64  `rdb:"id"`
	Name string `rdb:"name"`
}

type Book struct {
	ID       int64      `rdb:"id"`
	Title    string     `rdb:"title"`
	AuthorID int64      `rdb:"author_id,fk=Author,on_delete=cascade"`
	Tags     schema.M2M `rdb:"tags,m2m=Tag"`
}

type Tag struct {
	ID   int64  `rdb:"id"`
	Name string `rdb:"name"`
}

func newRegistry(t *testing.T) *schema.Registry {
	builder := schema.NewTableModelBuilder()
	registry := schema.NewRegistry()
	require.NoError(t, registry.Register(
		builder.MustFromStruct(Author{}),
		builder.MustFromStruct(Book{}),
		builder.MustFromStruct(Tag{}),
	))
	require.NoError(t, registry.Resolve())
	return registry
}

func TestParseLookup(t *testing.T) {
	tests := []struct {
		key  string
		path []string
		op   Operator
	}{
		{"title", []string{"title"}, OpExact},
		{"title__exact", []string{"title"}, OpExact},
		{"title__icontains", []string{"title"}, OpIContains},
		{"author__name", []string{"author", "name"}, OpExact},
		{"author__name__startswith", []string{"author", "name"}, OpStartsWith},
		{"id__not_in", []string{"id"}, OpNotIn},
		{"editor__isnull", []string{"editor"}, OpIsNull},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			p, err := ParseLookup(tt.key, 1)
			require.NoError(t, err)
			assert.Equal(t, tt.path, p.Path)
			assert.Equal(t, tt.op, p.Operator)
		})
	}

	_, err := ParseLookup("author____name", 1)
	assert.True(t, errors.Is(err, rdb.ErrInvalidFilter))
}

func TestPredicateBuild(t *testing.T) {
	Convey("测试条件校验与生成", t, func() {
		Convey("in 要求切片", func() {
			q, err := Predicate{Path: []string{"id"}, Operator: OpIn, Value: []int64{1, 2}}.Build("id")
			So(err, ShouldBeNil)
			So(q.(*InQuery).Values, ShouldResemble, []any{int64(1), int64(2)})

			q, err = Predicate{Path: []string{"id"}, Operator: OpIn, Value: [2]string{"a", "b"}}.Build("id")
			So(err, ShouldBeNil)
			So(q.(*InQuery).Values, ShouldHaveLength, 2)

			_, err = Predicate{Path: []string{"id"}, Operator: OpIn, Value: 1}.Build("id")
			So(errors.Is(err, rdb.ErrInvalidFilter), ShouldBeTrue)
			_, err = Predicate{Path: []string{"id"}, Operator: OpNotIn, Value: "abc"}.Build("id")
			So(errors.Is(err, rdb.ErrInvalidFilter), ShouldBeTrue)
		})

		Convey("isnull 要求布尔值", func() {
			q, err := Predicate{Path: []string{"a"}, Operator: OpIsNull, Value: false}.Build("a")
			So(err, ShouldBeNil)
			So(q.(*NullQuery).IsNull, ShouldBeFalse)

			q, err = Predicate{Path: []string{"a"}, Operator: OpNotNull, Value: false}.Build("a")
			So(err, ShouldBeNil)
			So(q.(*NullQuery).IsNull, ShouldBeTrue)

			_, err = Predicate{Path: []string{"a"}, Operator: OpIsNull, Value: "yes"}.Build("a")
			So(errors.Is(err, rdb.ErrInvalidFilter), ShouldBeTrue)
		})

		Convey("比较操作不接受空值", func() {
			_, err := Predicate{Path: []string{"a"}, Operator: OpLt, Value: nil}.Build("a")
			So(errors.Is(err, rdb.ErrInvalidFilter), ShouldBeTrue)
		})

		Convey("模式匹配要求字符串", func() {
			q, err := Predicate{Path: []string{"a"}, Operator: OpIStartsWith, Value: "go"}.Build("a")
			So(err, ShouldBeNil)
			So(q.(*PatternQuery).Mode, ShouldEqual, PatternPrefix)
			So(q.(*PatternQuery).CaseInsensitive, ShouldBeTrue)

			_, err = Predicate{Path: []string{"a"}, Operator: OpContains, Value: 3}.Build("a")
			So(errors.Is(err, rdb.ErrInvalidFilter), ShouldBeTrue)
		})

		Convey("Lookups 按键排序", func() {
			predicates, err := Lookups{"title": "a", "author__name": "b", "id__gt": 1}.Predicates()
			So(err, ShouldBeNil)
			So(predicates, ShouldHaveLength, 3)
			So(predicates[0].Path, ShouldResemble, []string{"author", "name"})
			So(predicates[1].Operator, ShouldEqual, OpGt)
			So(predicates[2].Path, ShouldResemble, []string{"title"})
		})
	})
}

func TestResolve(t *testing.T) {
	Convey("测试字段路径解析", t, func() {
		registry := newRegistry(t)
		book, _ := registry.Model("Book")
		author, _ := registry.Model("Author")
		tag, _ := registry.Model("Tag")

		Convey("本表字段", func() {
			target, err := Resolve(registry, book, []string{"title"})
			So(err, ShouldBeNil)
			So(target.Model, ShouldEqual, book)
			So(target.Column, ShouldEqual, "title")
			So(target.JoinPath(), ShouldEqual, "")
		})

		Convey("外键访问器比较外键列", func() {
			target, err := Resolve(registry, book, []string{"author"})
			So(err, ShouldBeNil)
			So(target.Column, ShouldEqual, "author_id")
			So(target.Relations, ShouldBeEmpty)
		})

		Convey("跨关系字段", func() {
			target, err := Resolve(registry, book, []string{"author", "name"})
			So(err, ShouldBeNil)
			So(target.Model, ShouldEqual, author)
			So(target.Column, ShouldEqual, "name")
			So(target.JoinPath(), ShouldEqual, "author")

			target, err = Resolve(registry, author, []string{"books", "tags", "name"})
			So(err, ShouldBeNil)
			So(target.Model, ShouldEqual, tag)
			So(target.JoinPath(), ShouldEqual, "books__tags")
		})

		Convey("集合访问器比较目标主键", func() {
			target, err := Resolve(registry, book, []string{"tags"})
			So(err, ShouldBeNil)
			So(target.Model, ShouldEqual, tag)
			So(target.Column, ShouldEqual, "id")
			So(target.JoinPath(), ShouldEqual, "tags")
		})

		Convey("未知关系", func() {
			_, err := Resolve(registry, book, []string{"publisher", "name"})
			So(errors.Is(err, rdb.ErrInvalidRelationship), ShouldBeTrue)
		})

		Convey("未知字段", func() {
			_, err := Resolve(registry, book, []string{"author", "age"})
			So(errors.Is(err, rdb.ErrInvalidFilter), ShouldBeTrue)
			So(err.Error(), ShouldContainSubstring, "age")
		})
	})
}
