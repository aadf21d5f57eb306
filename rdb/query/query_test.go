package query

import (
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

func TestQueryNodes(t *testing.T) {
	Convey("测试查询节点 ToSQL 方法", t, func() {
		Convey("TermQuery", func() {
			sql, args, err := (&TermQuery{Field: "age", Value: 18}).ToSQL()
			So(err, ShouldBeNil)
			So(sql, ShouldEqual, "age = ?")
			So(args, ShouldResemble, []any{18})

			sql, args, err = (&TermQuery{Field: "age", Value: 18, Not: true}).ToSQL()
			So(err, ShouldBeNil)
			So(sql, ShouldEqual, "age != ?")
			So(args, ShouldResemble, []any{18})

			name := "go"
			_, args, _ = (&TermQuery{Field: "name", Value: &name}).ToSQL()
			So(args, ShouldResemble, []any{"go"})
		})

		Convey("TermQuery 空值编译为 IS NULL", func() {
			sql, args, err := (&TermQuery{Field: "editor_id", Value: nil}).ToSQL()
			So(err, ShouldBeNil)
			So(sql, ShouldEqual, "editor_id IS NULL")
			So(args, ShouldBeEmpty)

			var id *int64
			sql, _, _ = (&TermQuery{Field: "editor_id", Value: id}).ToSQL()
			So(sql, ShouldEqual, "editor_id IS NULL")

			sql, _, _ = (&TermQuery{Field: "editor_id", Value: nil, Not: true}).ToSQL()
			So(sql, ShouldEqual, "editor_id IS NOT NULL")
		})

		Convey("RangeQuery", func() {
			sql, args, err := (&RangeQuery{Field: "age", Gte: 18, Lt: 65}).ToSQL()
			So(err, ShouldBeNil)
			So(sql, ShouldEqual, "age >= ? AND age < ?")
			So(args, ShouldResemble, []any{18, 65})

			sql, args, err = (&RangeQuery{Field: "age"}).ToSQL()
			So(err, ShouldBeNil)
			So(sql, ShouldEqual, "1=1")
			So(args, ShouldBeNil)
		})

		Convey("InQuery", func() {
			sql, args, err := (&InQuery{Field: "id", Values: []any{1, 2, 3}}).ToSQL()
			So(err, ShouldBeNil)
			So(sql, ShouldEqual, "id IN (?, ?, ?)")
			So(args, ShouldResemble, []any{1, 2, 3})

			sql, _, _ = (&InQuery{Field: "id", Values: []any{1}, Not: true}).ToSQL()
			So(sql, ShouldEqual, "id NOT IN (?)")

			sql, _, _ = (&InQuery{Field: "id"}).ToSQL()
			So(sql, ShouldEqual, "1=0")
			sql, _, _ = (&InQuery{Field: "id", Not: true}).ToSQL()
			So(sql, ShouldEqual, "1=1")
		})

		Convey("NullQuery", func() {
			sql, _, _ := (&NullQuery{Field: "a", IsNull: true}).ToSQL()
			So(sql, ShouldEqual, "a IS NULL")
			sql, _, _ = (&NullQuery{Field: "a"}).ToSQL()
			So(sql, ShouldEqual, "a IS NOT NULL")
		})

		Convey("PatternQuery 区分大小写使用 GLOB", func() {
			sql, args, err := (&PatternQuery{Field: "title", Value: "Go*", Mode: PatternPrefix}).ToSQL()
			So(err, ShouldBeNil)
			So(sql, ShouldEqual, "title GLOB ?")
			So(args, ShouldResemble, []any{"Go[*]*"})

			_, args, _ = (&PatternQuery{Field: "title", Value: "a?", Mode: PatternSuffix}).ToSQL()
			So(args, ShouldResemble, []any{"*a[?]"})

			_, args, _ = (&PatternQuery{Field: "title", Value: "[x]", Mode: PatternContains}).ToSQL()
			So(args, ShouldResemble, []any{"*[[]x]*"})

			sql, args, _ = (&PatternQuery{Field: "title", Value: "Go", Mode: PatternExact}).ToSQL()
			So(sql, ShouldEqual, "title = ?")
			So(args, ShouldResemble, []any{"Go"})
		})

		Convey("PatternQuery 不区分大小写使用 LIKE 并转义", func() {
			sql, args, err := (&PatternQuery{Field: "title", Value: "50%_off", Mode: PatternContains, CaseInsensitive: true}).ToSQL()
			So(err, ShouldBeNil)
			So(sql, ShouldEqual, `title LIKE ? ESCAPE '\'`)
			So(args, ShouldResemble, []any{`%50\%\_off%`})

			_, args, _ = (&PatternQuery{Field: "title", Value: "go", Mode: PatternExact, CaseInsensitive: true}).ToSQL()
			So(args, ShouldResemble, []any{"go"})
		})

		Convey("BoolQuery", func() {
			q := &BoolQuery{
				Must: []Query{
					&TermQuery{Field: "status", Value: "active"},
					&RangeQuery{Field: "age", Gte: 18, Lt: 65},
				},
				Should: []Query{
					&TermQuery{Field: "vip", Value: true},
					&TermQuery{Field: "score", Value: 100},
				},
				MustNot: []Query{
					&NullQuery{Field: "email", IsNull: true},
				},
			}
			sql, args, err := q.ToSQL()
			So(err, ShouldBeNil)
			So(sql, ShouldEqual, "(status = ? AND (age >= ? AND age < ?)) AND (vip = ? OR score = ?) AND (NOT (email IS NULL))")
			So(args, ShouldResemble, []any{"active", 18, 65, true, 100})

			sql, args, err = (&BoolQuery{}).ToSQL()
			So(err, ShouldBeNil)
			So(sql, ShouldEqual, "1=1")
			So(args, ShouldBeNil)

			sql, _, _ = And(&TermQuery{Field: "a", Value: 1}).ToSQL()
			So(sql, ShouldEqual, "a = ?")

			sql, args, _ = Or(&TermQuery{Field: "a", Value: 1}, &InQuery{Field: "b", Values: []any{2, 3}}).ToSQL()
			So(sql, ShouldEqual, "(a = ? OR b IN (?, ?))")
			So(args, ShouldResemble, []any{1, 2, 3})
		})

		Convey("BoolQuery MinShouldMatch", func() {
			two := 2
			q := &BoolQuery{
				Should: []Query{
					&TermQuery{Field: "a", Value: 1},
					&TermQuery{Field: "b", Value: 2},
					&TermQuery{Field: "c", Value: 3},
				},
				MinShouldMatch: &two,
			}
			sql, args, err := q.ToSQL()
			So(err, ShouldBeNil)
			So(sql, ShouldEqual, "(CASE WHEN (a = ?) THEN 1 ELSE 0 END + CASE WHEN (b = ?) THEN 1 ELSE 0 END + CASE WHEN (c = ?) THEN 1 ELSE 0 END) >= 2")
			So(args, ShouldResemble, []any{1, 2, 3})
		})

		Convey("标识符引用", func() {
			So(Quote("books"), ShouldEqual, `"books"`)
			So(Quote(`a"b`), ShouldEqual, `"a""b"`)
			So(Column("authors_1", "name"), ShouldEqual, `"authors_1"."name"`)
			So(Column("", "name"), ShouldEqual, `"name"`)
		})
	})
}
