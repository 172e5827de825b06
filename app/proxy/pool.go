package proxy

import (
	"net/http/httputil"
	"sync"
)

type bytesPool struct{ pool sync.Pool }

const sz = 32 * 1024

var _ httputil.BufferPool = (*bytesPool)(nil)

func newPool() *bytesPool {
	return &bytesPool{
		pool: sync.Pool{
			New: func() interface{} {
				b := make([]byte, sz)
				return &b
			},
		},
	}
}

func (p *bytesPool) Get() []byte {
	//nolint:errcheck //only *[]byte is stored
	return *p.pool.Get().(*[]byte)
}

func (p *bytesPool) Put(b []byte) {
	if cap(b) < sz {
		return
	}

	b = b[:sz]
	p.pool.Put(&b)
}
