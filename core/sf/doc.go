// Package sf is a typed wrapper around golang.org/x/sync/singleflight.
//
//	loads := sf.New[snapshot]()
//	snap, shared, err := loads.Do("counter/c1", func() (snapshot, error) {
//	    return readStream(ctx, "counter", "c1")
//	})
package sf
