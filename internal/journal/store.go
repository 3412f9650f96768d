// Package journal keeps an append-only record of every command result a
// robot session produced, one directory per session.
package journal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/cyrilcaoyang/opentrons-workflows/internal/session"
)

const (
	metaFile    = "session.pb"
	resultsFile = "results.bin"

	flagRaw  byte = 0
	flagZstd byte = 1
)

var ErrNotFound = errors.New("journal not found")

// Meta describes one journalled session.
type Meta struct {
	ID        string    `json:"id"`
	Robot     string    `json:"robot"`
	Host      string    `json:"host"`
	CreatedAt time.Time `json:"createdAt"`
}

// Entry is one journalled result.
type Entry struct {
	Seq     int64          `json:"seq"`
	BatchID string         `json:"batchId"`
	Time    time.Time      `json:"time"`
	Result  session.Result `json:"result"`
}

type Store struct {
	rootDir  string
	compress bool

	enc *zstd.Encoder
	dec *zstd.Decoder

	mu       sync.Mutex
	journals map[string]*journal
}

type journal struct {
	metaPath    string
	resultsPath string

	meta    Meta
	nextSeq int64

	file *os.File
	bw   *bufio.Writer
}

type Option func(*Store)

// WithCompression zstd-compresses new records. Existing records are read
// either way.
func WithCompression(on bool) Option {
	return func(s *Store) { s.compress = on }
}

func New(rootDir string, opts ...Option) (*Store, error) {
	s := &Store{rootDir: rootDir, journals: make(map[string]*journal)}
	for _, opt := range opts {
		opt(s)
	}
	var err error
	if s.enc, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest)); err != nil {
		return nil, err
	}
	if s.dec, err = zstd.NewReader(nil); err != nil {
		return nil, err
	}
	return s, nil
}

// Create starts a journal. An empty id gets a random UUID.
func (s *Store) Create(id, robot, host string) (Meta, error) {
	if id == "" {
		id = uuid.NewString()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, err := s.loadLocked(id); err == nil {
		return j.meta, nil
	}
	dir := filepath.Join(s.rootDir, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Meta{}, err
	}
	meta := Meta{ID: id, Robot: robot, Host: host, CreatedAt: time.Now().UTC()}
	j := &journal{
		metaPath:    filepath.Join(dir, metaFile),
		resultsPath: filepath.Join(dir, resultsFile),
		meta:        meta,
		nextSeq:     1,
	}
	if err := writeProtoFile(j.metaPath, metaToStruct(meta)); err != nil {
		return Meta{}, err
	}
	if err := s.openJournal(j); err != nil {
		return Meta{}, err
	}
	s.journals[id] = j
	return meta, nil
}

// List returns every journal, oldest first.
func (s *Store) List() ([]Meta, error) {
	entries, err := os.ReadDir(s.rootDir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	out := make([]Meta, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		st := &structpb.Struct{}
		if err := readProtoFile(filepath.Join(s.rootDir, e.Name(), metaFile), st); err != nil {
			continue
		}
		out = append(out, metaFromStruct(st))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) Get(id string) (Meta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, err := s.loadLocked(id)
	if err != nil {
		return Meta{}, err
	}
	return j.meta, nil
}

func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j := s.journals[id]; j != nil {
		_ = j.close()
		delete(s.journals, id)
	}
	return os.RemoveAll(filepath.Join(s.rootDir, id))
}

// Append records res and flushes it to disk.
func (s *Store) Append(id, batchID string, res session.Result) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, err := s.loadLocked(id)
	if err != nil {
		return Entry{}, err
	}
	e := Entry{Seq: j.nextSeq, BatchID: batchID, Time: time.Now().UTC(), Result: res}
	b, err := proto.Marshal(entryToStruct(e))
	if err != nil {
		return Entry{}, err
	}
	rec := append([]byte{flagRaw}, b...)
	if s.compress {
		rec = s.enc.EncodeAll(b, []byte{flagZstd})
	}
	if err := writeDelimited(j.bw, rec); err != nil {
		return Entry{}, err
	}
	if err := j.bw.Flush(); err != nil {
		return Entry{}, err
	}
	if err := j.file.Sync(); err != nil {
		return Entry{}, err
	}
	j.nextSeq++
	return e, nil
}

// Replay calls fn for every entry with a sequence number above afterSeq.
func (s *Store) Replay(id string, afterSeq int64, fn func(Entry) error) error {
	if fn == nil {
		return errors.New("replay callback is required")
	}
	s.mu.Lock()
	j, err := s.loadLocked(id)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	path := j.resultsPath
	s.mu.Unlock()
	return s.scan(path, func(e Entry) error {
		if e.Seq <= afterSeq {
			return nil
		}
		return fn(e)
	})
}

// Close flushes and closes every open journal.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for id, j := range s.journals {
		errs = append(errs, j.close())
		delete(s.journals, id)
	}
	s.enc.Close()
	s.dec.Close()
	return errors.Join(errs...)
}

func (s *Store) loadLocked(id string) (*journal, error) {
	if j := s.journals[id]; j != nil {
		return j, nil
	}
	if id == "" {
		return nil, ErrNotFound
	}
	dir := filepath.Join(s.rootDir, id)
	st := &structpb.Struct{}
	if err := readProtoFile(filepath.Join(dir, metaFile), st); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, err
	}
	j := &journal{
		metaPath:    filepath.Join(dir, metaFile),
		resultsPath: filepath.Join(dir, resultsFile),
		meta:        metaFromStruct(st),
	}
	if err := s.openJournal(j); err != nil {
		return nil, err
	}
	s.journals[id] = j
	return j, nil
}

func (s *Store) openJournal(j *journal) error {
	var last int64
	err := s.scan(j.resultsPath, func(e Entry) error {
		last = max(last, e.Seq)
		return nil
	})
	if err != nil {
		return err
	}
	j.nextSeq = last + 1

	f, err := os.OpenFile(j.resultsPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	j.file = f
	j.bw = bufio.NewWriterSize(f, 64*1024)
	return nil
}

func (s *Store) scan(path string, fn func(Entry) error) error {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	for {
		rec, err := readDelimited(r)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		e, err := s.decode(rec)
		if err != nil {
			return err
		}
		if err := fn(e); err != nil {
			return err
		}
	}
}

func (s *Store) decode(rec []byte) (Entry, error) {
	if len(rec) == 0 {
		return Entry{}, errors.New("empty journal record")
	}
	payload := rec[1:]
	switch rec[0] {
	case flagRaw:
	case flagZstd:
		var err error
		if payload, err = s.dec.DecodeAll(payload, nil); err != nil {
			return Entry{}, fmt.Errorf("decompress record: %w", err)
		}
	default:
		return Entry{}, fmt.Errorf("unknown record flag %d", rec[0])
	}
	st := &structpb.Struct{}
	if err := proto.Unmarshal(payload, st); err != nil {
		return Entry{}, err
	}
	return entryFromStruct(st), nil
}

func (j *journal) close() error {
	if j.bw != nil {
		_ = j.bw.Flush()
	}
	if j.file != nil {
		return j.file.Close()
	}
	return nil
}

func readDelimited(r *bufio.Reader) ([]byte, error) {
	l, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, err
	}
	if l == 0 {
		return nil, fmt.Errorf("invalid record length 0")
	}
	if l > 64*1024*1024 {
		return nil, fmt.Errorf("record too large: %d", l)
	}
	buf := make([]byte, l)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func writeDelimited(w *bufio.Writer, msg []byte) error {
	var hdr [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(hdr[:], uint64(len(msg)))
	if _, err := w.Write(hdr[:n]); err != nil {
		return err
	}
	_, err := w.Write(msg)
	return err
}

func writeProtoFile(path string, m proto.Message) error {
	b, err := proto.Marshal(m)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func readProtoFile(path string, m proto.Message) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return proto.Unmarshal(b, m)
}
