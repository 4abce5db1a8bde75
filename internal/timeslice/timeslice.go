// Package timeslice records how long each thread held each CPU. The scheduler
// writes one record per context switch to a binary stream that
// cmd/timeslice summarises.
package timeslice

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"time"
)

const (
	Magic   uint32 = 0x54534c46 // "TSLF"
	Version uint32 = 3
)

type header struct {
	Magic             uint32
	Version           uint32
	RecordKindsLength uint32
}

type TimesliceID uint32

const InvalidTimesliceID = TimesliceID(0)

type SliceInfo struct {
	Name  string
	Flags SliceFlags
}

type SliceFlags uint32

func (f SliceFlags) String() string {
	flags := []string{}
	if f&SliceFlagRealtime != 0 {
		flags = append(flags, "realtime")
	}
	if f&SliceFlagIdle != 0 {
		flags = append(flags, "idle")
	}
	return strings.Join(flags, ",")
}

const (
	SliceFlagRealtime SliceFlags = 1 << iota
	SliceFlagIdle
)

var timeslices = make(map[TimesliceID]SliceInfo)

// RegisterKind is not safe for concurrent use. Call it from package init.
func RegisterKind(name string, flags SliceFlags) TimesliceID {
	id := TimesliceID(len(timeslices) + 1)
	timeslices[id] = SliceInfo{
		Name:  name,
		Flags: flags,
	}
	return id
}

type record struct {
	ID       TimesliceID
	CPU      uint32
	Thread   int64
	Duration int64
}

var recordSize = binary.Size(record{})

// Slice is one decoded record.
type Slice struct {
	Kind     string
	Flags    SliceFlags
	CPU      int
	Thread   int
	Duration time.Duration
}

type writer struct {
	w                   io.Writer
	writeThreadComplete chan error
	writerChan          chan record
}

func (w *writer) run() {
	defer close(w.writeThreadComplete)

	var buf [4096]byte
	off := 0

	for rec := range w.writerChan {
		if off+recordSize > len(buf) {
			if _, err := w.w.Write(buf[:off]); err != nil {
				w.writeThreadComplete <- err
				// keep draining so Record never blocks on a dead writer
				for range w.writerChan {
				}
				return
			}
			off = 0
		}
		binary.LittleEndian.PutUint32(buf[off:off+4], uint32(rec.ID))
		binary.LittleEndian.PutUint32(buf[off+4:off+8], rec.CPU)
		binary.LittleEndian.PutUint64(buf[off+8:off+16], uint64(rec.Thread))
		binary.LittleEndian.PutUint64(buf[off+16:off+24], uint64(rec.Duration))
		off += recordSize
	}

	if off > 0 {
		if _, err := w.w.Write(buf[:off]); err != nil {
			w.writeThreadComplete <- err
			return
		}
	}

	w.writeThreadComplete <- nil
}

func (w *writer) Close() error {
	if !currentWriter.CompareAndSwap(w, nil) {
		return fmt.Errorf("timeslice: already closed")
	}

	close(w.writerChan)

	if err := <-w.writeThreadComplete; err != nil {
		return fmt.Errorf("timeslice: write thread: %w", err)
	}

	return nil
}

var currentWriter atomic.Pointer[writer]

// Recording reports whether a stream is open.
func Recording() bool {
	return currentWriter.Load() != nil
}

// Record appends a slice of duration spent by thread on cpu. It is a no-op
// unless a stream is open.
func Record(id TimesliceID, cpu int, thread int, duration time.Duration) {
	if w := currentWriter.Load(); w != nil {
		w.writerChan <- record{
			ID:       id,
			CPU:      uint32(cpu),
			Thread:   int64(thread),
			Duration: duration.Nanoseconds(),
		}
	}
}

// Open starts recording to w. Only one stream may be open at a time.
func Open(w io.Writer) (io.Closer, error) {
	if w := currentWriter.Load(); w != nil {
		return nil, fmt.Errorf("timeslice: already open")
	}

	slices, err := json.Marshal(timeslices)
	if err != nil {
		return nil, fmt.Errorf("timeslice: marshal timeslices: %w", err)
	}

	off := 0

	if err := binary.Write(w, binary.LittleEndian, header{
		Magic:             Magic,
		Version:           Version,
		RecordKindsLength: uint32(len(slices)),
	}); err != nil {
		return nil, fmt.Errorf("timeslice: write header: %w", err)
	}

	off += binary.Size(header{})

	if _, err := w.Write(slices); err != nil {
		return nil, fmt.Errorf("timeslice: write slices: %w", err)
	}
	off += len(slices)

	// records start on a 4096 byte boundary
	if off%4096 != 0 {
		if _, err := w.Write(make([]byte, 4096-off%4096)); err != nil {
			return nil, fmt.Errorf("timeslice: write padding: %w", err)
		}
	}

	writer := &writer{w: w,
		writerChan:          make(chan record, 4096),
		writeThreadComplete: make(chan error, 1),
	}
	go writer.run()

	if !currentWriter.CompareAndSwap(nil, writer) {
		close(writer.writerChan)
		<-writer.writeThreadComplete
		return nil, fmt.Errorf("timeslice: already open")
	}

	return writer, nil
}

// ReadAllRecords decodes a stream written by Open and calls fn per record.
func ReadAllRecords(r io.Reader, fn func(s Slice) error) error {
	var kinds map[TimesliceID]SliceInfo

	buf := bufio.NewReaderSize(r, 4096)

	var hdr header
	if err := binary.Read(buf, binary.LittleEndian, &hdr); err != nil {
		return err
	}
	if hdr.Magic != Magic {
		return fmt.Errorf("timeslice: invalid magic")
	}
	if hdr.Version != Version {
		return fmt.Errorf("timeslice: unsupported version %d", hdr.Version)
	}

	dec := json.NewDecoder(io.LimitReader(buf, int64(hdr.RecordKindsLength)))
	if err := dec.Decode(&kinds); err != nil {
		return err
	}

	off := int(hdr.RecordKindsLength) + binary.Size(hdr)
	if off%4096 != 0 {
		if _, err := buf.Discard(4096 - off%4096); err != nil {
			return err
		}
	}

	for {
		var rec record
		if err := binary.Read(buf, binary.LittleEndian, &rec); err != nil {
			if err == io.EOF {
				break
			}
			return err
		}
		kind, ok := kinds[rec.ID]
		if !ok {
			return fmt.Errorf("timeslice: unknown kind: %d", rec.ID)
		}
		if err := fn(Slice{
			Kind:     kind.Name,
			Flags:    kind.Flags,
			CPU:      int(rec.CPU),
			Thread:   int(rec.Thread),
			Duration: time.Duration(rec.Duration),
		}); err != nil {
			return err
		}
	}

	return nil
}
