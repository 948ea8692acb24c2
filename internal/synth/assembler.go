package synth

import (
	"fmt"

	"github.com/loqalabs/loqa-voice/internal/speech"
)

// Assembler accepts segments strictly in ordinal order starting at zero.
type Assembler struct {
	next     uint32
	segments []speech.AudioSegment
}

// OrderError reports a segment that arrived out of sequence.
type OrderError struct {
	Want, Got uint32
}

func (e *OrderError) Error() string {
	return fmt.Sprintf("segment %d out of order, expected %d", e.Got, e.Want)
}

func (a *Assembler) Add(seg speech.AudioSegment) error {
	if seg.Ordinal != a.next {
		return &OrderError{Want: a.next, Got: seg.Ordinal}
	}
	a.segments = append(a.segments, seg)
	a.next++
	return nil
}

func (a *Assembler) Segments() []speech.AudioSegment { return a.segments }

// Bytes concatenates every accepted segment.
func (a *Assembler) Bytes() []byte {
	n := 0
	for _, s := range a.segments {
		n += len(s.Bytes)
	}
	out := make([]byte, 0, n)
	for _, s := range a.segments {
		out = append(out, s.Bytes...)
	}
	return out
}
