package cache

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
)

const entrySuffix = ".entry"

// NewStore 以 basePath 为根目录构建磁盘内容存储，整站复用一份实例。
func NewStore(basePath string) (ContentStore, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	return &fileStore{
		basePath: abs,
		locks:    make(map[string]*entryLock),
	}, nil
}

// fileStore 通过 entryLock 避免同一条目并发写入，同时复用 basePath。
type fileStore struct {
	basePath string

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

// entryHeader 是条目文件的首行，记录原始 key 以便 Keys 反查。
type entryHeader struct {
	Key    string      `json:"key"`
	Status int         `json:"status"`
	Header http.Header `json:"header,omitempty"`
}

func (s *fileStore) Get(ctx context.Context, partition, key string) (*Payload, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	filePath, err := s.entryPath(partition, key)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	defer f.Close()

	reader := bufio.NewReader(f)
	header, err := readEntryHeader(reader)
	if err != nil {
		return nil, fmt.Errorf("decode entry header: %w", err)
	}
	if header.Key != key {
		// sha1 冲突几乎不可能，但仍按未命中处理。
		return nil, ErrNotFound
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}
	return &Payload{
		Status: header.Status,
		Header: header.Header,
		Body:   body,
	}, nil
}

func (s *fileStore) Put(ctx context.Context, partition, key string, payload Payload) error {
	unlock, err := s.lockEntry(partition, key)
	if err != nil {
		return err
	}
	defer unlock()

	filePath, err := s.entryPath(partition, key)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return mapStorageError(err)
	}

	tempFile, err := os.CreateTemp(filepath.Dir(filePath), ".cache-*")
	if err != nil {
		return mapStorageError(err)
	}
	tempName := tempFile.Name()

	err = writeEntry(ctx, tempFile, key, payload)
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return mapStorageError(err)
	}

	if err := os.Rename(tempName, filePath); err != nil {
		os.Remove(tempName)
		return mapStorageError(err)
	}
	return nil
}

func (s *fileStore) Has(ctx context.Context, partition, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	filePath, err := s.entryPath(partition, key)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return !info.IsDir(), nil
}

func (s *fileStore) Delete(ctx context.Context, partition, key string) error {
	unlock, err := s.lockEntry(partition, key)
	if err != nil {
		return err
	}
	defer unlock()

	filePath, err := s.entryPath(partition, key)
	if err != nil {
		return err
	}
	if err := os.Remove(filePath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (s *fileStore) Keys(ctx context.Context, partition string) ([]string, error) {
	dir, err := s.partitionPath(partition)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	keys := make([]string, 0, len(entries))
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), entrySuffix) {
			continue
		}
		key, err := readEntryKey(filepath.Join(dir, entry.Name()))
		if err != nil {
			// 被并发删除或写了一半的文件直接跳过。
			continue
		}
		keys = append(keys, key)
	}
	return keys, nil
}

func (s *fileStore) Clear(ctx context.Context, partition string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dir, err := s.partitionPath(partition)
	if err != nil {
		return err
	}
	return os.RemoveAll(dir)
}

func (s *fileStore) Partitions(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.basePath)
	if err != nil {
		return nil, err
	}
	var partitions []string
	for _, entry := range entries {
		if entry.IsDir() {
			partitions = append(partitions, entry.Name())
		}
	}
	return partitions, nil
}

func (s *fileStore) lockEntry(partition, key string) (func(), error) {
	lockKey := partition + "::" + key
	s.mu.Lock()
	lock := s.locks[lockKey]
	if lock == nil {
		lock = &entryLock{}
		s.locks[lockKey] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, lockKey)
		}
		s.mu.Unlock()
	}, nil
}

func (s *fileStore) partitionPath(partition string) (string, error) {
	if partition == "" {
		return "", errors.New("partition required")
	}
	if strings.ContainsAny(partition, `/\`) || partition == "." || partition == ".." {
		return "", errors.New("invalid partition name")
	}
	return filepath.Join(s.basePath, partition), nil
}

func (s *fileStore) entryPath(partition, key string) (string, error) {
	dir, err := s.partitionPath(partition)
	if err != nil {
		return "", err
	}
	sum := sha1.Sum([]byte(key))
	return filepath.Join(dir, hex.EncodeToString(sum[:])+entrySuffix), nil
}

func writeEntry(ctx context.Context, w io.Writer, key string, payload Payload) error {
	header, err := json.Marshal(entryHeader{Key: key, Status: payload.Status, Header: payload.Header})
	if err != nil {
		return err
	}
	if _, err := w.Write(append(header, '\n')); err != nil {
		return err
	}
	_, err = copyWithContext(ctx, w, bytes.NewReader(payload.Body))
	return err
}

func readEntryHeader(r *bufio.Reader) (entryHeader, error) {
	line, err := r.ReadBytes('\n')
	if err != nil {
		return entryHeader{}, err
	}
	var header entryHeader
	if err := json.Unmarshal(line, &header); err != nil {
		return entryHeader{}, err
	}
	return header, nil
}

func readEntryKey(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	header, err := readEntryHeader(bufio.NewReader(f))
	if err != nil {
		return "", err
	}
	return header.Key, nil
}

// mapStorageError 将磁盘满/配额错误统一映射为 ErrQuotaExceeded，便于上层触发淘汰。
func mapStorageError(err error) error {
	if errors.Is(err, syscall.ENOSPC) || errors.Is(err, syscall.EDQUOT) {
		return fmt.Errorf("%w: %v", ErrQuotaExceeded, err)
	}
	return err
}

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	var copied int64
	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return copied, err
		}
		n, err := src.Read(buf)
		if n > 0 {
			w, wErr := dst.Write(buf[:n])
			copied += int64(w)
			if wErr != nil {
				return copied, wErr
			}
			if w < n {
				return copied, io.ErrShortWrite
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return copied, nil
			}
			return copied, err
		}
	}
}
