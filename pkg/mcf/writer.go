package mcf

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
)

const writerPadBufSize = 4096

var (
	errWriterFinalised = errors.New("mcf: writer already finalised")
	errSectionOpen     = errors.New("mcf: section write in progress")
	errSectionInactive = errors.New("mcf: section writer not active")
)

// Writer builds an MCF file in a streaming fashion.
//
// The writer reserves space for the header up-front and patches it during
// Finalise. Use BeginSection for large payloads (tensor data) to avoid
// buffering them in memory.
type Writer struct {
	mu sync.Mutex

	f        *os.File
	sections []MCFSection
	seen     map[SectionType]struct{}
	open     *SectionWriter
	closed   bool
	flags    uint64
	pos      int64
	padBuf   []byte
}

// SectionWriter streams a section payload directly to the underlying file.
// It must be ended before any other section can be written.
type SectionWriter struct {
	w       *Writer
	typ     SectionType
	version uint32
	start   int64
	ended   bool
}

// NewWriter truncates f and reserves space for the header.
func NewWriter(f *os.File) (*Writer, error) {
	if f == nil {
		return nil, errors.New("mcf: nil file")
	}
	if err := f.Truncate(0); err != nil {
		return nil, err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	w := &Writer{
		f:      f,
		seen:   make(map[SectionType]struct{}),
		padBuf: make([]byte, writerPadBufSize),
	}
	if err := w.writeZeros(mcfHeaderSize); err != nil {
		return nil, err
	}
	return w, w.alignTo(mcfAlign)
}

func (w *Writer) checkNewSection(typ SectionType) error {
	if w.closed {
		return errWriterFinalised
	}
	if w.open != nil {
		return errSectionOpen
	}
	if _, ok := w.seen[typ]; ok {
		return fmt.Errorf("mcf: duplicate %s section", typ)
	}
	return w.alignTo(mcfAlign)
}

// WriteSection writes a whole section payload. Each type may be written once.
func (w *Writer) WriteSection(typ SectionType, version uint32, data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.checkNewSection(typ); err != nil {
		return err
	}
	offset := w.pos
	if err := w.write(data); err != nil {
		return err
	}
	w.sections = append(w.sections, MCFSection{
		Type:    uint32(typ),
		Version: version,
		Offset:  uint64(offset),
		Size:    uint64(len(data)),
	})
	w.seen[typ] = struct{}{}
	return nil
}

// AddFlags ORs format flags into the header.
func (w *Writer) AddFlags(flags uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return errWriterFinalised
	}
	w.flags |= flags
	return nil
}

// BeginSection starts streaming a section payload.
func (w *Writer) BeginSection(typ SectionType, version uint32) (*SectionWriter, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.checkNewSection(typ); err != nil {
		return nil, err
	}
	sw := &SectionWriter{w: w, typ: typ, version: version, start: w.pos}
	w.open = sw
	w.seen[typ] = struct{}{}
	return sw, nil
}

func (sw *SectionWriter) active() error {
	if sw.ended || sw.w.open != sw {
		return errSectionInactive
	}
	return nil
}

// Offset returns the absolute file offset the next Write lands at.
func (sw *SectionWriter) Offset() (uint64, error) {
	sw.w.mu.Lock()
	defer sw.w.mu.Unlock()

	if err := sw.active(); err != nil {
		return 0, err
	}
	return uint64(sw.w.pos), nil
}

// Align pads the section with zeros to an n-byte file offset.
func (sw *SectionWriter) Align(n int) error {
	sw.w.mu.Lock()
	defer sw.w.mu.Unlock()

	if err := sw.active(); err != nil {
		return err
	}
	return sw.w.alignTo(int64(n))
}

// Write streams p into the underlying file.
func (sw *SectionWriter) Write(p []byte) (int, error) {
	sw.w.mu.Lock()
	defer sw.w.mu.Unlock()

	if err := sw.active(); err != nil {
		return 0, err
	}
	if err := sw.w.write(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// End records the section in the directory.
func (sw *SectionWriter) End() error {
	sw.w.mu.Lock()
	defer sw.w.mu.Unlock()

	if err := sw.active(); err != nil {
		return err
	}
	sw.w.sections = append(sw.w.sections, MCFSection{
		Type:    uint32(sw.typ),
		Version: sw.version,
		Offset:  uint64(sw.start),
		Size:    uint64(sw.w.pos - sw.start),
	})
	sw.w.open = nil
	sw.ended = true
	return nil
}

// Finalise writes the section directory and patches the header.
// After Finalise, the writer must not be used again.
func (w *Writer) Finalise() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return errWriterFinalised
	}
	if w.open != nil {
		return errSectionOpen
	}
	if len(w.sections) == 0 {
		return errors.New("mcf: no sections written")
	}
	w.closed = true

	sort.Slice(w.sections, func(i, j int) bool {
		return w.sections[i].Type < w.sections[j].Type
	})
	if err := w.alignTo(mcfAlign); err != nil {
		return err
	}
	dirOffset := w.pos

	var secBuf [mcfSectionSize]byte
	for _, s := range w.sections {
		encodeSection(secBuf[:], s)
		if err := w.write(secBuf[:]); err != nil {
			return err
		}
	}
	if err := w.f.Truncate(w.pos); err != nil {
		return err
	}

	header := MCFHeader{
		Major:            CurrentMajor,
		Minor:            CurrentMinor,
		HeaderSize:       mcfHeaderSize,
		SectionCount:     uint32(len(w.sections)),
		SectionDirOffset: uint64(dirOffset),
		FileSize:         uint64(w.pos),
		Flags:            w.flags,
	}
	copy(header.Magic[:], MagicMCF)

	var hdrBuf [mcfHeaderSize]byte
	encodeHeader(hdrBuf[:], header)
	if _, err := w.f.WriteAt(hdrBuf[:], 0); err != nil {
		return err
	}
	return w.f.Sync()
}

func (w *Writer) write(p []byte) error {
	if err := writeFull(w.f, p); err != nil {
		return err
	}
	w.pos += int64(len(p))
	return nil
}

func (w *Writer) alignTo(n int64) error {
	if n <= 1 {
		return nil
	}
	if mod := w.pos % n; mod != 0 {
		return w.writeZeros(int(n - mod))
	}
	return nil
}

func (w *Writer) writeZeros(n int) error {
	for n > 0 {
		k := min(n, len(w.padBuf))
		if err := w.write(w.padBuf[:k]); err != nil {
			return err
		}
		n -= k
	}
	return nil
}
