package main

import "sync"

// Read buffers are recycled between datagrams; a flood would otherwise
// allocate one MTU-sized buffer per packet.
var bufferPool = sync.Pool{
	New: func() any {
		b := make([]byte, maxPacketSize)
		return &b
	},
}

// getBuffer returns a buffer of length maxPacketSize ready for a read.
func getBuffer() *[]byte {
	buf, _ := bufferPool.Get().(*[]byte)
	*buf = (*buf)[:cap(*buf)]
	return buf
}

func putBuffer(buf *[]byte) {
	*buf = (*buf)[:0]
	bufferPool.Put(buf)
}
