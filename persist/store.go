package persist

import (
	"context"
	"os"
	"path/filepath"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// Store loads and saves encoded coverage trees.
type Store interface {
	// Load returns the last saved coverage. An error of type
	// ErrTypeNotFound is returned when nothing was saved yet.
	Load(ctx context.Context) ([]byte, error)

	Save(ctx context.Context, data []byte) error
}

// FileStore stores coverage in a file. Saves are atomic.
type FileStore struct {
	Path string
}

func (s FileStore) Load(ctx context.Context) ([]byte, error) {
	data, err := os.ReadFile(s.Path)
	if os.IsNotExist(err) {
		return nil, errors.New("coverage file not found").
			WithType(ErrTypeNotFound).
			WithTag("file_name", s.Path).
			Wrap(err)
	}
	if err != nil {
		return nil, errors.New("reading coverage file failed").
			WithType(ErrTypeStoreFailed).
			WithTag("file_name", s.Path).
			Wrap(err)
	}
	return data, nil
}

func (s FileStore) Save(ctx context.Context, data []byte) error {
	if err := s.save(data); err != nil {
		return errors.New("writing coverage file failed").
			WithType(ErrTypeStoreFailed).
			WithTag("file_name", s.Path).
			Wrap(err)
	}
	return nil
}

func (s FileStore) save(data []byte) error {
	dir := filepath.Dir(s.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	f, err := os.CreateTemp(dir, filepath.Base(s.Path)+".*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(f.Name())

	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(f.Name(), s.Path)
}

// RedisStore stores coverage under a redis key so that several instances can
// share it.
type RedisStore struct {
	Client redis.Cmdable
	Key    string
}

func (s RedisStore) Load(ctx context.Context) ([]byte, error) {
	data, err := s.Client.Get(ctx, s.Key).Bytes()
	if err == redis.Nil {
		return nil, errors.New("coverage key not found").
			WithType(ErrTypeNotFound).
			WithTag("key", s.Key).
			Wrap(err)
	}
	if err != nil {
		return nil, errors.New("reading coverage from redis failed").
			WithType(ErrTypeStoreFailed).
			WithTag("key", s.Key).
			Wrap(err)
	}
	return data, nil
}

func (s RedisStore) Save(ctx context.Context, data []byte) error {
	if err := s.Client.Set(ctx, s.Key, data, 0).Err(); err != nil {
		return errors.New("writing coverage to redis failed").
			WithType(ErrTypeStoreFailed).
			WithTag("key", s.Key).
			Wrap(err)
	}
	return nil
}
