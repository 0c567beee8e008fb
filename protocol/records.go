package protocol

// Records is a batch of wire records. Batches keep syscall counts low
// (they convert straight into net.Buffers) and make the queue/transport
// plumbing uniform: everything that moves is a Records.
type Records [][]byte

func (recs Records) TotalLen() (total int64) {
	for _, r := range recs {
		total += int64(len(r))
	}
	return
}
