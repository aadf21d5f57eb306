package orm

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hatlonely/rdbx/rdb"
	"github.com/hatlonely/rdbx/rdb/cache"
	"github.com/hatlonely/rdbx/rdb/database"
	"github.com/hatlonely/rdbx/rdb/query"
	"github.com/hatlonely/rdbx/rdb/schema"
	"github.com/pkg/errors"
	. "github.com/smartystreets/goconvey/convey"
	"github.com/stretchr/testify/require"
)

type Author struct {
	ID   int64  `rdb:"id"`
	Name string `rdb:"name,unique"`
}

type Book struct {
	ID       int64      `rdb:"id"`
	Title    string     `rdb:"title"`
	AuthorID int64      `rdb:"author_id,fk=Author,on_delete=cascade,on_update=cascade"`
	EditorID *int64     `rdb:"editor_id,fk=Author,on_delete=set_null,related=edited_books"`
	Tags     schema.M2M `rdb:"tags,m2m=Tag"`
}

type Tag struct {
	ID   int64  `rdb:"id"`
	Name string `rdb:"name"`
}

type Publisher struct {
	ID   int64  `rdb:"id"`
	Name string `rdb:"name"`
}

type Magazine struct {
	ID          int64  `rdb:"id"`
	Title       string `rdb:"title"`
	PublisherID int64  `rdb:"publisher_id,fk=Publisher,on_delete=restrict,on_update=restrict"`
}

type Person struct {
	ID      int64      `rdb:"id"`
	Name    string     `rdb:"name"`
	Friends schema.M2M `rdb:"friends,m2m=Person,symmetrical"`
}

func newTestSession(t *testing.T, cacheOptions cache.Options) *Session {
	s, err := New(&Options{Cache: cacheOptions})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	require.NoError(t, s.Register(Author{}, Book{}, Tag{}, Publisher{}, Magazine{}, Person{}))
	require.NoError(t, s.Resolve(context.Background()))
	return s
}

func repo[T any](t *testing.T, s *Session) *Repository[T] {
	r, err := NewRepository[T](s)
	require.NoError(t, err)
	return r
}

func ptr[T any](v T) *T {
	return &v
}

func TestSession_Register(t *testing.T) {
	Convey("测试模型注册与建表", t, func() {
		s := newTestSession(t, cache.Options{})
		ctx := context.Background()

		tables, err := s.DB().Tables(ctx)
		So(err, ShouldBeNil)
		So(tables, ShouldContain, "authors")
		So(tables, ShouldContain, "books")
		So(tables, ShouldContain, "books_tags")
		So(tables, ShouldContain, "people_people")

		Convey("未注册的模型", func() {
			type Unknown struct {
				ID int64 `rdb:"id"`
			}
			_, err := NewRepository[Unknown](s)
			So(err, ShouldNotBeNil)
		})

		Convey("重复 Resolve 不重复建表", func() {
			So(s.Resolve(ctx), ShouldBeNil)
		})
	})
}

func TestRepository_Create(t *testing.T) {
	Convey("测试插入", t, func() {
		s := newTestSession(t, cache.Options{Enabled: true})
		ctx := context.Background()
		authors := repo[Author](t, s)
		books := repo[Book](t, s)

		Convey("自增主键回填", func() {
			a := &Author{Name: "alice"}
			So(authors.Create(ctx, a), ShouldBeNil)
			So(a.ID, ShouldBeGreaterThan, 0)

			got, err := authors.Get(ctx, a.ID)
			So(err, ShouldBeNil)
			So(got.Name, ShouldEqual, "alice")
		})

		Convey("外键指向不存在的行", func() {
			err := books.Create(ctx, &Book{Title: "orphan", AuthorID: 999})
			So(errors.Is(err, rdb.ErrReferentialIntegrity), ShouldBeTrue)

			n, err := books.Query().Count(ctx)
			So(err, ShouldBeNil)
			So(n, ShouldEqual, 0)
		})

		Convey("唯一约束冲突", func() {
			So(authors.Create(ctx, &Author{Name: "alice"}), ShouldBeNil)
			err := authors.Create(ctx, &Author{Name: "alice"})
			So(errors.Is(err, rdb.ErrWriteConflict), ShouldBeTrue)
		})
	})
}

func TestRepository_Update(t *testing.T) {
	Convey("测试更新", t, func() {
		s := newTestSession(t, cache.Options{Enabled: true})
		ctx := context.Background()
		authors := repo[Author](t, s)
		books := repo[Book](t, s)
		publishers := repo[Publisher](t, s)
		magazines := repo[Magazine](t, s)

		a := &Author{Name: "alice"}
		require.NoError(t, authors.Create(ctx, a))
		b := &Book{Title: "go", AuthorID: a.ID}
		require.NoError(t, books.Create(ctx, b))

		Convey("更新后缓存失效", func() {
			byName := books.Query().Filter(query.Lookups{"author__name": "alice"})
			n, err := byName.Count(ctx)
			So(err, ShouldBeNil)
			So(n, ShouldEqual, 1)

			a.Name = "bob"
			So(authors.Update(ctx, a), ShouldBeNil)

			n, err = byName.Count(ctx)
			So(err, ShouldBeNil)
			So(n, ShouldEqual, 0)
		})

		Convey("没有主键的实例", func() {
			err := authors.Update(ctx, &Author{Name: "x"})
			So(errors.Is(err, rdb.ErrInvalidUpdate), ShouldBeTrue)
		})

		Convey("行不存在", func() {
			err := authors.Update(ctx, &Author{ID: 999, Name: "x"})
			So(errors.Is(err, rdb.ErrRecordNotFound), ShouldBeTrue)
		})

		Convey("主键变更级联到依赖行", func() {
			So(authors.UpdatePK(ctx, a, int64(100)), ShouldBeNil)
			So(a.ID, ShouldEqual, 100)

			got, err := books.Get(ctx, b.ID)
			So(err, ShouldBeNil)
			So(got.AuthorID, ShouldEqual, 100)
		})

		Convey("restrict 拒绝主键变更", func() {
			p := &Publisher{Name: "acme"}
			So(publishers.Create(ctx, p), ShouldBeNil)
			So(magazines.Create(ctx, &Magazine{Title: "monthly", PublisherID: p.ID}), ShouldBeNil)

			old := p.ID
			err := publishers.UpdatePK(ctx, p, int64(100))
			So(errors.Is(err, rdb.ErrReferentialIntegrity), ShouldBeTrue)
			So(p.ID, ShouldEqual, old)

			_, err = publishers.Get(ctx, old)
			So(err, ShouldBeNil)
		})
	})
}

func TestRepository_Delete(t *testing.T) {
	Convey("测试删除与引用动作", t, func() {
		s := newTestSession(t, cache.Options{Enabled: true})
		ctx := context.Background()
		authors := repo[Author](t, s)
		books := repo[Book](t, s)
		tags := repo[Tag](t, s)
		publishers := repo[Publisher](t, s)
		magazines := repo[Magazine](t, s)

		Convey("cascade 删除依赖行", func() {
			a := &Author{Name: "alice"}
			So(authors.Create(ctx, a), ShouldBeNil)
			So(books.Create(ctx, &Book{Title: "one", AuthorID: a.ID}), ShouldBeNil)
			So(books.Create(ctx, &Book{Title: "two", AuthorID: a.ID}), ShouldBeNil)

			n, err := books.Query().Count(ctx)
			So(err, ShouldBeNil)
			So(n, ShouldEqual, 2)

			So(authors.Delete(ctx, a), ShouldBeNil)

			n, err = books.Query().Count(ctx)
			So(err, ShouldBeNil)
			So(n, ShouldEqual, 0)
		})

		Convey("set_null 置空外键", func() {
			a := &Author{Name: "alice"}
			e := &Author{Name: "eve"}
			So(authors.Create(ctx, a), ShouldBeNil)
			So(authors.Create(ctx, e), ShouldBeNil)
			b := &Book{Title: "one", AuthorID: a.ID, EditorID: ptr(e.ID)}
			So(books.Create(ctx, b), ShouldBeNil)

			So(authors.Delete(ctx, e), ShouldBeNil)

			got, err := books.Get(ctx, b.ID)
			So(err, ShouldBeNil)
			So(got.EditorID, ShouldBeNil)
			So(got.AuthorID, ShouldEqual, a.ID)
		})

		Convey("restrict 拒绝删除且两边都保留", func() {
			p := &Publisher{Name: "acme"}
			So(publishers.Create(ctx, p), ShouldBeNil)
			So(magazines.Create(ctx, &Magazine{Title: "monthly", PublisherID: p.ID}), ShouldBeNil)

			err := publishers.Delete(ctx, p)
			So(errors.Is(err, rdb.ErrReferentialIntegrity), ShouldBeTrue)

			n, err := publishers.Query().Count(ctx)
			So(err, ShouldBeNil)
			So(n, ShouldEqual, 1)
			n, err = magazines.Query().Count(ctx)
			So(err, ShouldBeNil)
			So(n, ShouldEqual, 1)
		})

		Convey("删除时清理中间表", func() {
			a := &Author{Name: "alice"}
			So(authors.Create(ctx, a), ShouldBeNil)
			b := &Book{Title: "one", AuthorID: a.ID}
			So(books.Create(ctx, b), ShouldBeNil)
			tag := &Tag{Name: "go"}
			So(tags.Create(ctx, tag), ShouldBeNil)

			m, err := s.M2M(b, "tags")
			So(err, ShouldBeNil)
			So(m.Add(ctx, tag), ShouldBeNil)

			So(tags.Delete(ctx, tag), ShouldBeNil)
			values, err := m.All(ctx)
			So(err, ShouldBeNil)
			So(values, ShouldBeEmpty)
		})

		Convey("行不存在", func() {
			err := authors.DeleteByKey(ctx, int64(999))
			So(errors.Is(err, rdb.ErrRecordNotFound), ShouldBeTrue)
		})
	})
}

func TestQuerySet_Fetch(t *testing.T) {
	Convey("测试查询", t, func() {
		s := newTestSession(t, cache.Options{Enabled: true})
		ctx := context.Background()
		authors := repo[Author](t, s)
		books := repo[Book](t, s)

		a := &Author{Name: "alice"}
		e := &Author{Name: "eve"}
		require.NoError(t, authors.Create(ctx, a))
		require.NoError(t, authors.Create(ctx, e))
		require.NoError(t, books.Create(ctx, &Book{Title: "a", AuthorID: a.ID}))
		require.NoError(t, books.Create(ctx, &Book{Title: "b", AuthorID: a.ID, EditorID: ptr(e.ID)}))
		require.NoError(t, books.Create(ctx, &Book{Title: "c", AuthorID: e.ID}))

		Convey("FetchAll 按主键升序", func() {
			list, err := books.Query().FetchAll(ctx)
			So(err, ShouldBeNil)
			So(list, ShouldHaveLength, 3)
			So(list[0].Title, ShouldEqual, "a")
			So(list[2].Title, ShouldEqual, "c")
		})

		Convey("空值过滤", func() {
			n, err := books.Query().Filter(query.Lookups{"editor_id": nil}).Count(ctx)
			So(err, ShouldBeNil)
			So(n, ShouldEqual, 2)

			n, err = books.Query().Filter(query.Lookups{"editor_id__isnull": false}).Count(ctx)
			So(err, ShouldBeNil)
			So(n, ShouldEqual, 1)
		})

		Convey("跨关系过滤", func() {
			list, err := books.Query().Filter(query.Lookups{"author__name": "alice"}).FetchAll(ctx)
			So(err, ShouldBeNil)
			So(list, ShouldHaveLength, 2)

			found, err := authors.Query().Filter(query.Lookups{"books__title": "c"}).FetchAll(ctx)
			So(err, ShouldBeNil)
			So(found, ShouldHaveLength, 1)
			So(found[0].Name, ShouldEqual, "eve")
		})

		Convey("FetchOne", func() {
			got, err := books.Query().Filter(query.Lookups{"title": "b"}).FetchOne(ctx)
			So(err, ShouldBeNil)
			So(got.EditorID, ShouldNotBeNil)
			So(*got.EditorID, ShouldEqual, e.ID)

			_, err = books.Query().Filter(query.Lookups{"title": "x"}).FetchOne(ctx)
			So(errors.Is(err, rdb.ErrRecordNotFound), ShouldBeTrue)

			_, err = books.Query().FetchOne(ctx)
			So(errors.Is(err, rdb.ErrFetchFailed), ShouldBeTrue)
		})

		Convey("FetchFirst 与 FetchLast", func() {
			first, err := books.Query().FetchFirst(ctx)
			So(err, ShouldBeNil)
			So(first.Title, ShouldEqual, "a")

			last, err := books.Query().FetchLast(ctx)
			So(err, ShouldBeNil)
			So(last.Title, ShouldEqual, "c")

			last, err = books.Query().Order("title", rdb.Desc).FetchLast(ctx)
			So(err, ShouldBeNil)
			So(last.Title, ShouldEqual, "a")

			none, err := books.Query().Filter(query.Lookups{"title": "x"}).FetchFirst(ctx)
			So(err, ShouldBeNil)
			So(none, ShouldBeNil)
		})

		Convey("分页", func() {
			list, err := books.Query().Offset(1).Limit(1).FetchAll(ctx)
			So(err, ShouldBeNil)
			So(list, ShouldHaveLength, 1)
			So(list[0].Title, ShouldEqual, "b")

			n, err := books.Query().Limit(2).Count(ctx)
			So(err, ShouldBeNil)
			So(n, ShouldEqual, 2)
		})

		Convey("Exists", func() {
			ok, err := books.Query().Filter(query.Lookups{"title__startswith": "b"}).Exists(ctx)
			So(err, ShouldBeNil)
			So(ok, ShouldBeTrue)

			ok, err = books.Query().Filter(query.Lookups{"title__in": []string{"x", "y"}}).Exists(ctx)
			So(err, ShouldBeNil)
			So(ok, ShouldBeFalse)
		})

		Convey("投影收窄", func() {
			list, err := books.Query().Only("id", "title").FetchAll(ctx)
			So(err, ShouldBeNil)
			So(list, ShouldHaveLength, 3)
			So(list[0].Title, ShouldEqual, "a")
			So(list[0].AuthorID, ShouldEqual, 0)
		})

		Convey("构建错误", func() {
			_, err := books.Query().Filter(query.Lookups{"unknown": 1}).FetchAll(ctx)
			So(errors.Is(err, rdb.ErrInvalidFilter), ShouldBeTrue)

			_, err = books.Query().Offset(-1).FetchAll(ctx)
			So(errors.Is(err, rdb.ErrInvalidOffset), ShouldBeTrue)
		})
	})
}

func TestQuerySet_Cache(t *testing.T) {
	Convey("测试结果缓存", t, func() {
		ctx := context.Background()

		Convey("单表数量上限", func() {
			s := newTestSession(t, cache.Options{Enabled: true, MaxSize: 2})
			authors := repo[Author](t, s)
			for _, name := range []string{"a", "b", "c"} {
				require.NoError(t, authors.Create(ctx, &Author{Name: name}))
			}
			s.ClearCache()

			for _, name := range []string{"a", "b", "c"} {
				_, err := authors.Query().Filter(query.Lookups{"name": name}).FetchAll(ctx)
				So(err, ShouldBeNil)
			}
			stats := s.CacheStats()
			So(stats.Size, ShouldEqual, 2)
			So(stats.Hits, ShouldEqual, 0)
			So(stats.Misses, ShouldEqual, 3)
			So(stats.Total, ShouldEqual, 3)
		})

		Convey("命中时返回相同实例", func() {
			s := newTestSession(t, cache.Options{Enabled: true})
			authors := repo[Author](t, s)
			require.NoError(t, authors.Create(ctx, &Author{Name: "alice"}))

			first, err := authors.Query().FetchAll(ctx)
			So(err, ShouldBeNil)
			second, err := authors.Query().FetchAll(ctx)
			So(err, ShouldBeNil)
			So(second, ShouldHaveLength, 1)
			So(second[0], ShouldPointTo, first[0])
			So(s.CacheStats().Hits, ShouldEqual, 1)
		})

		Convey("获取方式不同签名不同", func() {
			s := newTestSession(t, cache.Options{Enabled: true})
			authors := repo[Author](t, s)
			q := authors.Query().Filter(query.Lookups{"name": "alice"})

			all, err := q.Compile(rdb.FetchAll)
			So(err, ShouldBeNil)
			first, err := q.Compile(rdb.FetchFirst)
			So(err, ShouldBeNil)
			count, err := q.Compile(rdb.FetchCount)
			So(err, ShouldBeNil)
			So(all.Signature, ShouldNotEqual, first.Signature)
			So(all.Signature, ShouldNotEqual, count.Signature)

			again, err := authors.Query().Filter(query.Lookups{"name": "alice"}).Compile(rdb.FetchAll)
			So(err, ShouldBeNil)
			So(again.Signature, ShouldEqual, all.Signature)
		})

		Convey("跳过缓存", func() {
			s := newTestSession(t, cache.Options{Enabled: true})
			authors := repo[Author](t, s)
			_, err := authors.Query().BypassCache().FetchAll(ctx)
			So(err, ShouldBeNil)
			So(s.CacheStats().Total, ShouldEqual, 0)
			So(s.CacheStats().Size, ShouldEqual, 0)
		})

		Convey("未启用缓存", func() {
			s := newTestSession(t, cache.Options{})
			So(s.Cache(), ShouldBeNil)
			So(s.Metrics("rdbx"), ShouldBeNil)
			So(s.CacheStats(), ShouldResemble, cache.Stats{})
		})
	})
}

func TestSession_Transaction(t *testing.T) {
	Convey("测试事务", t, func() {
		s := newTestSession(t, cache.Options{Enabled: true})
		ctx := context.Background()
		authors := repo[Author](t, s)

		Convey("回滚后行不存在且计数不过期", func() {
			So(s.Begin(ctx), ShouldBeNil)
			So(authors.Create(ctx, &Author{Name: "alice"}), ShouldBeNil)
			n, err := authors.Query().Count(ctx)
			So(err, ShouldBeNil)
			So(n, ShouldEqual, 1)
			So(s.Rollback(ctx), ShouldBeNil)

			n, err = authors.Query().Count(ctx)
			So(err, ShouldBeNil)
			So(n, ShouldEqual, 0)
		})

		Convey("嵌套作用域使用保存点", func() {
			So(s.Begin(ctx), ShouldBeNil)
			So(authors.Create(ctx, &Author{Name: "outer"}), ShouldBeNil)
			So(s.Begin(ctx), ShouldBeNil)
			So(authors.Create(ctx, &Author{Name: "inner"}), ShouldBeNil)
			So(s.Rollback(ctx), ShouldBeNil)
			So(s.InTx(), ShouldBeTrue)
			So(s.Commit(ctx), ShouldBeNil)
			So(s.InTx(), ShouldBeFalse)

			list, err := authors.Query().FetchAll(ctx)
			So(err, ShouldBeNil)
			So(list, ShouldHaveLength, 1)
			So(list[0].Name, ShouldEqual, "outer")
		})

		Convey("WithTx 出错回滚", func() {
			boom := errors.New("boom")
			err := s.WithTx(ctx, func(ctx context.Context) error {
				if err := authors.Create(ctx, &Author{Name: "alice"}); err != nil {
					return err
				}
				return boom
			})
			So(err, ShouldEqual, boom)
			ok, err := authors.Query().Exists(ctx)
			So(err, ShouldBeNil)
			So(ok, ShouldBeFalse)
		})

		Convey("WithTx panic 回滚后继续抛出", func() {
			So(func() {
				_ = s.WithTx(ctx, func(ctx context.Context) error {
					_ = authors.Create(ctx, &Author{Name: "alice"})
					panic("boom")
				})
			}, ShouldPanic)
			So(s.InTx(), ShouldBeFalse)
			n, err := authors.Query().Count(ctx)
			So(err, ShouldBeNil)
			So(n, ShouldEqual, 0)
		})

		Convey("没有事务时提交", func() {
			So(s.Commit(ctx), ShouldNotBeNil)
		})
	})
}

func TestSession_CommitConflict(t *testing.T) {
	Convey("测试提交失败", t, func() {
		ctx := context.Background()
		path := filepath.Join(t.TempDir(), "rdbx.db")
		s, err := New(&Options{
			Database: database.Options{Path: path, JournalMode: "DELETE", BusyTimeout: 10 * time.Millisecond},
			Cache:    cache.Options{Enabled: true},
		})
		So(err, ShouldBeNil)
		defer s.Close()
		So(s.Register(Tag{}), ShouldBeNil)
		So(s.Resolve(ctx), ShouldBeNil)
		tags := repo[Tag](t, s)

		// 另一个连接持有读事务，提交时拿不到排他锁
		reader, err := sql.Open("sqlite3", path)
		So(err, ShouldBeNil)
		defer reader.Close()
		rtx, err := reader.BeginTx(ctx, nil)
		So(err, ShouldBeNil)
		var n int
		So(rtx.QueryRowContext(ctx, `SELECT COUNT(*) FROM "tags"`).Scan(&n), ShouldBeNil)

		err = s.WithTx(ctx, func(ctx context.Context) error {
			if err := tags.Create(ctx, &Tag{Name: "tmp"}); err != nil {
				return err
			}
			ok, err := tags.Query().Filter(query.Lookups{"name": "tmp"}).Exists(ctx)
			if err != nil {
				return err
			}
			if !ok {
				return errors.New("tag not visible in scope")
			}
			return nil
		})
		So(errors.Is(err, rdb.ErrWriteConflict), ShouldBeTrue)
		So(s.InTx(), ShouldBeFalse)
		So(rtx.Rollback(), ShouldBeNil)

		ok, err := tags.Query().Filter(query.Lookups{"name": "tmp"}).Exists(ctx)
		So(err, ShouldBeNil)
		So(ok, ShouldBeFalse)

		ok, err = tags.Query().Filter(query.Lookups{"name": "tmp"}).BypassCache().Exists(ctx)
		So(err, ShouldBeNil)
		So(ok, ShouldBeFalse)
	})
}

func TestQuerySet_Related(t *testing.T) {
	Convey("测试关系加载", t, func() {
		s := newTestSession(t, cache.Options{Enabled: true})
		ctx := context.Background()
		authors := repo[Author](t, s)
		books := repo[Book](t, s)
		tags := repo[Tag](t, s)

		a := &Author{Name: "alice"}
		e := &Author{Name: "eve"}
		require.NoError(t, authors.Create(ctx, a))
		require.NoError(t, authors.Create(ctx, e))
		b1 := &Book{Title: "one", AuthorID: a.ID, EditorID: ptr(e.ID)}
		b2 := &Book{Title: "two", AuthorID: a.ID}
		require.NoError(t, books.Create(ctx, b1))
		require.NoError(t, books.Create(ctx, b2))
		t1 := &Tag{Name: "go"}
		t2 := &Tag{Name: "db"}
		require.NoError(t, tags.Create(ctx, t1))
		require.NoError(t, tags.Create(ctx, t2))
		m, err := s.M2M(b1, "tags")
		require.NoError(t, err)
		require.NoError(t, m.Add(ctx, t1, t2))

		Convey("SelectRelated 填充关系旁表", func() {
			list, err := books.Query().SelectRelated("author", "editor").FetchAll(ctx)
			So(err, ShouldBeNil)
			So(list, ShouldHaveLength, 2)

			p, err := s.Lazy(list[0], "author")
			So(err, ShouldBeNil)
			So(p.Loaded(ctx), ShouldBeTrue)
			author, err := RelatedOne[Author](ctx, s, list[0], "author")
			So(err, ShouldBeNil)
			So(author.Name, ShouldEqual, "alice")

			editor, err := RelatedOne[Author](ctx, s, list[1], "editor")
			So(err, ShouldBeNil)
			So(editor, ShouldBeNil)
			p, err = s.Lazy(list[1], "editor")
			So(err, ShouldBeNil)
			So(p.Loaded(ctx), ShouldBeTrue)
		})

		Convey("PrefetchRelated 批量加载集合", func() {
			list, err := authors.Query().PrefetchRelated("books", "books__tags").FetchAll(ctx)
			So(err, ShouldBeNil)
			So(list, ShouldHaveLength, 2)

			p, err := s.Lazy(list[0], "books")
			So(err, ShouldBeNil)
			So(p.Loaded(ctx), ShouldBeTrue)
			written, err := RelatedMany[Book](ctx, s, list[0], "books")
			So(err, ShouldBeNil)
			So(written, ShouldHaveLength, 2)
			So(written[0].Title, ShouldEqual, "one")

			p, err = s.Lazy(written[0], "tags")
			So(err, ShouldBeNil)
			So(p.Loaded(ctx), ShouldBeTrue)
			bookTags, err := RelatedMany[Tag](ctx, s, written[0], "tags")
			So(err, ShouldBeNil)
			So(bookTags, ShouldHaveLength, 2)
			So(bookTags[0].Name, ShouldEqual, "go")

			none, err := RelatedMany[Book](ctx, s, list[1], "books")
			So(err, ShouldBeNil)
			So(none, ShouldBeEmpty)
		})

		Convey("写入使关系旁表失效", func() {
			p, err := s.Lazy(a, "books")
			So(err, ShouldBeNil)
			values, err := p.All(ctx)
			So(err, ShouldBeNil)
			So(values, ShouldHaveLength, 2)
			So(p.Loaded(ctx), ShouldBeTrue)

			So(books.Create(ctx, &Book{Title: "three", AuthorID: a.ID}), ShouldBeNil)
			So(p.Loaded(ctx), ShouldBeFalse)
			values, err = p.All(ctx)
			So(err, ShouldBeNil)
			So(values, ShouldHaveLength, 3)
		})

		Convey("延迟加载", func() {
			p, err := s.Lazy(b2, "editor")
			So(err, ShouldBeNil)
			v, err := p.Value(ctx)
			So(err, ShouldBeNil)
			So(v, ShouldBeNil)
			_, err = p.Get(ctx, "name")
			So(errors.Is(err, rdb.ErrRecordNotFound), ShouldBeTrue)

			p, err = s.Lazy(b1, "author")
			So(err, ShouldBeNil)
			name, err := p.Get(ctx, "name")
			So(err, ShouldBeNil)
			So(name, ShouldEqual, "alice")

			tagged, err := RelatedMany[Book](ctx, s, t1, "books")
			So(err, ShouldBeNil)
			So(tagged, ShouldHaveLength, 1)
			So(tagged[0].ID, ShouldEqual, b1.ID)

			edited, err := RelatedMany[Book](ctx, s, e, "edited_books")
			So(err, ShouldBeNil)
			So(edited, ShouldHaveLength, 1)
		})

		Convey("带过滤条件的延迟加载", func() {
			p, err := s.Lazy(a, "books")
			So(err, ShouldBeNil)
			values, err := p.Filter(query.Lookups{"title": "two"}).All(ctx)
			So(err, ShouldBeNil)
			So(values, ShouldHaveLength, 1)
			So(values[0].(*Book).Title, ShouldEqual, "two")
			So(p.Loaded(ctx), ShouldBeFalse)
		})

		Convey("访问器类型不匹配", func() {
			p, err := s.Lazy(b1, "author")
			So(err, ShouldBeNil)
			_, err = p.All(ctx)
			So(errors.Is(err, rdb.ErrInvalidRelationship), ShouldBeTrue)

			_, err = s.Lazy(b1, "unknown")
			So(errors.Is(err, rdb.ErrInvalidRelationship), ShouldBeTrue)
		})
	})
}

func TestSession_M2M(t *testing.T) {
	Convey("测试多对多关联", t, func() {
		s := newTestSession(t, cache.Options{Enabled: true})
		ctx := context.Background()
		authors := repo[Author](t, s)
		books := repo[Book](t, s)
		tags := repo[Tag](t, s)
		people := repo[Person](t, s)

		a := &Author{Name: "alice"}
		require.NoError(t, authors.Create(ctx, a))
		b := &Book{Title: "one", AuthorID: a.ID}
		require.NoError(t, books.Create(ctx, b))
		t1 := &Tag{Name: "go"}
		t2 := &Tag{Name: "db"}
		require.NoError(t, tags.Create(ctx, t1))
		require.NoError(t, tags.Create(ctx, t2))

		Convey("添加、重复添加、移除与清空", func() {
			m, err := s.M2M(b, "tags")
			So(err, ShouldBeNil)

			So(m.Add(ctx, t1), ShouldBeNil)
			So(m.Add(ctx, t1, t2.ID), ShouldBeNil)
			n, err := m.Count(ctx)
			So(err, ShouldBeNil)
			So(n, ShouldEqual, 2)

			So(m.Remove(ctx, t1), ShouldBeNil)
			values, err := m.All(ctx)
			So(err, ShouldBeNil)
			So(values, ShouldHaveLength, 1)
			So(values[0].(*Tag).Name, ShouldEqual, "db")

			So(m.Clear(ctx), ShouldBeNil)
			n, err = m.Count(ctx)
			So(err, ShouldBeNil)
			So(n, ShouldEqual, 0)

			So(m.Set(ctx, t1, t2), ShouldBeNil)
			n, err = m.Count(ctx)
			So(err, ShouldBeNil)
			So(n, ShouldEqual, 2)
		})

		Convey("反向访问器", func() {
			m, err := s.M2M(t1, "books")
			So(err, ShouldBeNil)
			So(m.Add(ctx, b), ShouldBeNil)

			bookTags, err := RelatedMany[Tag](ctx, s, b, "tags")
			So(err, ShouldBeNil)
			So(bookTags, ShouldHaveLength, 1)
			So(bookTags[0].ID, ShouldEqual, t1.ID)
		})

		Convey("对称关系", func() {
			p1 := &Person{Name: "p1"}
			p2 := &Person{Name: "p2"}
			p3 := &Person{Name: "p3"}
			So(people.Create(ctx, p1), ShouldBeNil)
			So(people.Create(ctx, p2), ShouldBeNil)
			So(people.Create(ctx, p3), ShouldBeNil)

			m, err := s.M2M(p1, "friends")
			So(err, ShouldBeNil)
			So(m.Add(ctx, p2, p3), ShouldBeNil)

			friends, err := RelatedMany[Person](ctx, s, p2, "friends")
			So(err, ShouldBeNil)
			So(friends, ShouldHaveLength, 1)
			So(friends[0].Name, ShouldEqual, "p1")

			back, err := s.M2M(p2, "friends")
			So(err, ShouldBeNil)
			So(back.Remove(ctx, p1), ShouldBeNil)

			friends, err = RelatedMany[Person](ctx, s, p1, "friends")
			So(err, ShouldBeNil)
			So(friends, ShouldHaveLength, 1)
			So(friends[0].Name, ShouldEqual, "p3")
		})

		Convey("未保存的实例", func() {
			m, err := s.M2M(&Book{Title: "draft"}, "tags")
			So(err, ShouldBeNil)
			err = m.Add(ctx, t1)
			So(errors.Is(err, rdb.ErrReferentialIntegrity), ShouldBeTrue)

			m, err = s.M2M(b, "tags")
			So(err, ShouldBeNil)
			err = m.Add(ctx, &Tag{Name: "draft"})
			So(errors.Is(err, rdb.ErrReferentialIntegrity), ShouldBeTrue)
		})

		Convey("目标不存在", func() {
			m, err := s.M2M(b, "tags")
			So(err, ShouldBeNil)
			err = m.Add(ctx, int64(999))
			So(errors.Is(err, rdb.ErrReferentialIntegrity), ShouldBeTrue)
		})

		Convey("非多对多访问器", func() {
			_, err := s.M2M(b, "author")
			So(errors.Is(err, rdb.ErrInvalidRelationship), ShouldBeTrue)
		})
	})
}

func TestSession_Close(t *testing.T) {
	Convey("测试关闭会话", t, func() {
		s := newTestSession(t, cache.Options{Enabled: true})
		ctx := context.Background()
		authors := repo[Author](t, s)
		books := repo[Book](t, s)

		a := &Author{Name: "alice"}
		require.NoError(t, authors.Create(ctx, a))
		b := &Book{Title: "one", AuthorID: a.ID}
		require.NoError(t, books.Create(ctx, b))
		p, err := s.Lazy(b, "author")
		require.NoError(t, err)
		_, err = p.Value(ctx)
		require.NoError(t, err)

		So(s.Close(), ShouldBeNil)
		So(s.Closed(), ShouldBeTrue)
		So(s.Close(), ShouldBeNil)

		_, err = p.Value(ctx)
		So(err, ShouldEqual, rdb.ErrSessionClosed)
		So(p.Loaded(ctx), ShouldBeFalse)
		_, err = authors.Query().FetchAll(ctx)
		So(err, ShouldEqual, rdb.ErrSessionClosed)
		So(authors.Create(ctx, &Author{Name: "bob"}), ShouldEqual, rdb.ErrSessionClosed)
		_, err = s.Lazy(b, "author")
		So(err, ShouldEqual, rdb.ErrSessionClosed)
	})
}

func TestNewFromFile(t *testing.T) {
	Convey("测试从配置文件创建会话", t, func() {
		dir := t.TempDir()
		logPath := filepath.Join(dir, "rdbx.log")
		confPath := filepath.Join(dir, "rdbx.yaml")
		require.NoError(t, os.WriteFile(confPath, []byte(`
database:
  path: `+filepath.Join(dir, "rdbx.db")+`
  journalMode: DELETE
cache:
  maxSize: 10
log:
  level: debug
  format: json
  output: `+logPath+`
`), 0644))

		s, err := NewFromFile(confPath)
		So(err, ShouldBeNil)
		So(s.Cache(), ShouldNotBeNil)
		So(s.DB().Path(), ShouldEqual, filepath.Join(dir, "rdbx.db"))

		So(s.Register(Author{}), ShouldBeNil)
		So(s.Resolve(context.Background()), ShouldBeNil)
		authors := repo[Author](t, s)
		So(authors.Create(context.Background(), &Author{Name: "alice"}), ShouldBeNil)
		So(s.Close(), ShouldBeNil)

		content, err := os.ReadFile(logPath)
		So(err, ShouldBeNil)
		So(string(content), ShouldContainSubstring, "INSERT INTO")

		Convey("非法配置", func() {
			bad := filepath.Join(dir, "bad.yaml")
			require.NoError(t, os.WriteFile(bad, []byte("database:\n  journalMode: NOPE\n"), 0644))
			_, err := NewFromFile(bad)
			So(err, ShouldNotBeNil)
		})
	})
}
