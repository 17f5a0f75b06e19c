package sshtunnel

import (
	"io"
	"sync"
)

const spliceBufferSize = 32 * 1024

var bufPool = sync.Pool{
	New: func() interface{} {
		b := make([]byte, spliceBufferSize)
		return &b
	},
}

// splice copies a→b and b→a until both directions end. Each direction closes
// both ends when it finishes, which unblocks the other one. It returns the
// bytes copied in each direction.
func splice(a, b io.ReadWriteCloser) (aToB, bToA int64) {
	var wg sync.WaitGroup
	wg.Add(2)
	pipe := func(dst, src io.ReadWriteCloser, n *int64) {
		defer wg.Done()
		buf := bufPool.Get().(*[]byte)
		defer bufPool.Put(buf)
		*n, _ = io.CopyBuffer(dst, src, *buf)
		dst.Close()
		src.Close()
	}
	go pipe(b, a, &aToB)
	go pipe(a, b, &bToA)
	wg.Wait()
	return aToB, bToA
}
