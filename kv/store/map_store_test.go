package store

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	. "github.com/smartystreets/goconvey/convey"
)

func TestMapStore(t *testing.T) {
	Convey("MapStore", t, func() {
		store := NewMapStoreWithOptions[string, int]()
		ctx := context.Background()

		Convey("设置与读取", func() {
			So(store.Set(ctx, "a", 1), ShouldBeNil)
			v, err := store.Get(ctx, "a")
			So(err, ShouldBeNil)
			So(v, ShouldEqual, 1)

			_, err = store.Get(ctx, "b")
			So(err, ShouldEqual, ErrKeyNotFound)
		})

		Convey("条件设置 - IfNotExist", func() {
			So(store.Set(ctx, "a", 1, WithIfNotExist()), ShouldBeNil)
			So(store.Set(ctx, "a", 2, WithIfNotExist()), ShouldEqual, ErrConditionFailed)
			v, _ := store.Get(ctx, "a")
			So(v, ShouldEqual, 1)
		})

		Convey("批量设置", func() {
			So(store.Set(ctx, "a", 1), ShouldBeNil)
			errs, err := store.BatchSet(ctx, []string{"a", "b"}, []int{10, 20}, WithIfNotExist())
			So(err, ShouldBeNil)
			So(errs[0], ShouldEqual, ErrConditionFailed)
			So(errs[1], ShouldBeNil)
			So(store.Len(), ShouldEqual, 2)

			_, err = store.BatchSet(ctx, []string{"a"}, nil)
			So(err, ShouldEqual, ErrConditionFailed)
		})

		Convey("按条件删除", func() {
			for i, k := range []string{"a", "b", "c", "d"} {
				So(store.Set(ctx, k, i), ShouldBeNil)
			}
			n, err := store.DelFunc(ctx, func(key string, value int) bool { return value%2 == 0 })
			So(err, ShouldBeNil)
			So(n, ShouldEqual, 2)
			So(store.Len(), ShouldEqual, 2)

			So(store.Del(ctx, "b"), ShouldBeNil)
			So(store.Del(ctx, "missing"), ShouldBeNil)
			So(store.Len(), ShouldEqual, 1)
		})

		Convey("关闭后不可用", func() {
			So(store.Close(), ShouldBeNil)
			So(errors.Is(store.Set(ctx, "a", 1), ErrClosed), ShouldBeTrue)
			_, err := store.Get(ctx, "a")
			So(err, ShouldEqual, ErrClosed)
			So(store.Len(), ShouldEqual, 0)
		})
	})
}
