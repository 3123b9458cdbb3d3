package datatanker_test

import (
	"bytes"
	"fmt"
	"io/ioutil"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/suite"

	"github.com/datatanker/datatanker"
)

type StorageTestSuite struct {
	suite.Suite
	dir string
}

func (s *StorageTestSuite) SetupTest() {
	s.dir = filepath.Join(s.T().TempDir(), "storage")
}

func TestStorageTestSuite(t *testing.T) {
	suite.Run(t, new(StorageTestSuite))
}

func (s *StorageTestSuite) TestCreateCloseReopen() {
	storage, err := datatanker.CreateNew(s.dir, datatanker.Settings{PageSize: 4096})
	s.NoError(err)
	s.True(storage.IsOpen())
	s.Equal(4096, storage.PageSize())

	s.NoError(storage.Put([]byte("a"), []byte("1")))
	s.NoError(storage.Put([]byte("b"), []byte("2")))
	s.NoError(storage.Close())
	s.False(storage.IsOpen())

	reopened, err := datatanker.OpenExisting(s.dir, datatanker.Settings{})
	s.NoError(err)
	defer reopened.Close()

	got, err := reopened.Get([]byte("a"))
	s.NoError(err)
	s.Equal([]byte("1"), got)

	got, err = reopened.Get([]byte("b"))
	s.NoError(err)
	s.Equal([]byte("2"), got)

	count, err := reopened.Count()
	s.NoError(err)
	s.Equal(uint64(2), count)
}

func (s *StorageTestSuite) TestCreateDuplicateFails() {
	storage, err := datatanker.CreateNew(s.dir, datatanker.Settings{})
	s.NoError(err)
	s.NoError(storage.Close())

	_, err = datatanker.CreateNew(s.dir, datatanker.Settings{})
	s.ErrorIs(err, datatanker.ErrDuplicateStorage)
}

func (s *StorageTestSuite) TestOpenMissingFails() {
	_, err := datatanker.OpenExisting(s.dir, datatanker.Settings{})
	s.ErrorIs(err, datatanker.ErrStorageFormat)
}

func (s *StorageTestSuite) TestOpenOrCreate() {
	storage, err := datatanker.OpenOrCreate(s.dir, datatanker.Settings{})
	s.NoError(err)
	s.NoError(storage.Put([]byte("k"), []byte("v")))
	s.NoError(storage.Close())

	reopened, err := datatanker.OpenOrCreate(s.dir, datatanker.Settings{})
	s.NoError(err)
	defer reopened.Close()

	got, err := reopened.Get([]byte("k"))
	s.NoError(err)
	s.Equal([]byte("v"), got)
}

func (s *StorageTestSuite) TestVersionMismatchFails() {
	storage, err := datatanker.CreateNew(s.dir, datatanker.Settings{})
	s.NoError(err)
	s.NoError(storage.Close())

	// Rewrite the sidecar to claim a future structure version.
	infoPath := filepath.Join(s.dir, "info")
	data, err := ioutil.ReadFile(infoPath)
	s.NoError(err)
	tampered := strings.Replace(string(data), "OnDiskStructureVersion=1", "OnDiskStructureVersion=99", 1)
	s.NoError(ioutil.WriteFile(infoPath, []byte(tampered), os.ModePerm))

	dataPath := filepath.Join(s.dir, "storage.dat")
	before, err := ioutil.ReadFile(dataPath)
	s.NoError(err)

	_, err = datatanker.OpenExisting(s.dir, datatanker.Settings{})
	s.ErrorIs(err, datatanker.ErrNotSupported)

	// A refused open leaves the paged file untouched.
	after, err := ioutil.ReadFile(dataPath)
	s.NoError(err)
	s.True(bytes.Equal(before, after))
}

func (s *StorageTestSuite) TestAccessMethodMismatchFails() {
	storage, err := datatanker.CreateNew(s.dir, datatanker.Settings{AccessMethod: datatanker.BPlusTree})
	s.NoError(err)
	s.NoError(storage.Close())

	_, err = datatanker.OpenExisting(s.dir, datatanker.Settings{AccessMethod: datatanker.RadixTree})
	s.ErrorIs(err, datatanker.ErrNotSupported)
}

func (s *StorageTestSuite) TestSecondOpenIsLockedOut() {
	storage, err := datatanker.CreateNew(s.dir, datatanker.Settings{})
	s.NoError(err)
	defer storage.Close()

	_, err = datatanker.OpenExisting(s.dir, datatanker.Settings{})
	s.ErrorIs(err, datatanker.ErrLocked)
}

func (s *StorageTestSuite) TestUseAfterClose() {
	storage, err := datatanker.CreateNew(s.dir, datatanker.Settings{})
	s.NoError(err)
	s.NoError(storage.Close())

	_, err = storage.Get([]byte("k"))
	s.ErrorIs(err, datatanker.ErrDisposed)
	s.ErrorIs(storage.Put([]byte("k"), []byte("v")), datatanker.ErrDisposed)
	s.ErrorIs(storage.Close(), datatanker.ErrDisposed)
}

func (s *StorageTestSuite) TestOrderedTraversal() {
	storage, err := datatanker.CreateNew(s.dir, datatanker.Settings{})
	s.NoError(err)
	defer storage.Close()

	ordered, ok := storage.(datatanker.OrderedStorage)
	s.True(ok)

	keys := make([]string, 1000)
	for i := range keys {
		keys[i] = fmt.Sprintf("%03d", i)
	}
	rnd := rand.New(rand.NewSource(1))
	rnd.Shuffle(len(keys), func(i, j int) { keys[i], keys[j] = keys[j], keys[i] })
	for _, k := range keys {
		s.NoError(ordered.Put([]byte(k), []byte("v"+k)))
	}

	var scanned []string
	s.NoError(ordered.AscendRange(nil, nil, func(key, _ []byte) bool {
		scanned = append(scanned, string(key))
		return true
	}))
	s.Len(scanned, 1000)
	s.True(sort.StringsAreSorted(scanned))

	min, err := ordered.MinKey()
	s.NoError(err)
	s.Equal([]byte("000"), min)

	max, err := ordered.MaxKey()
	s.NoError(err)
	s.Equal([]byte("999"), max)

	next, err := ordered.NextKey([]byte("499"))
	s.NoError(err)
	s.Equal([]byte("500"), next)

	prev, err := ordered.PreviousKey([]byte("500"))
	s.NoError(err)
	s.Equal([]byte("499"), prev)
}

func (s *StorageTestSuite) TestRemove() {
	storage, err := datatanker.CreateNew(s.dir, datatanker.Settings{})
	s.NoError(err)
	defer storage.Close()

	s.NoError(storage.Put([]byte("k"), []byte("v")))

	removed, err := storage.Remove([]byte("k"))
	s.NoError(err)
	s.True(removed)

	removed, err = storage.Remove([]byte("k"))
	s.NoError(err)
	s.False(removed)

	count, err := storage.Count()
	s.NoError(err)
	s.Zero(count)
}

func (s *StorageTestSuite) TestLargeValueSurvivesReopen() {
	storage, err := datatanker.CreateNew(s.dir, datatanker.Settings{})
	s.NoError(err)

	payload := make([]byte, 1<<20)
	rand.New(rand.NewSource(8)).Read(payload)
	s.NoError(storage.Put([]byte("big"), payload))
	s.NoError(storage.Close())

	reopened, err := datatanker.OpenExisting(s.dir, datatanker.Settings{})
	s.NoError(err)
	defer reopened.Close()

	got, err := reopened.Get([]byte("big"))
	s.NoError(err)
	s.True(bytes.Equal(payload, got))
}

func (s *StorageTestSuite) TestCompressionIsSticky() {
	storage, err := datatanker.CreateNew(s.dir, datatanker.Settings{Compression: datatanker.CompressionSnappy})
	s.NoError(err)

	payload := bytes.Repeat([]byte("compressible "), 1024)
	s.NoError(storage.Put([]byte("k"), payload))
	s.NoError(storage.Close())

	// The reopened storage picks the algorithm up from the sidecar.
	reopened, err := datatanker.OpenExisting(s.dir, datatanker.Settings{})
	s.NoError(err)
	defer reopened.Close()

	got, err := reopened.Get([]byte("k"))
	s.NoError(err)
	s.True(bytes.Equal(payload, got))
}

func (s *StorageTestSuite) TestRadixStorage() {
	storage, err := datatanker.CreateNew(s.dir, datatanker.Settings{AccessMethod: datatanker.RadixTree})
	s.NoError(err)

	prefixed, ok := storage.(datatanker.PrefixStorage)
	s.True(ok)

	for _, k := range []string{"user:1", "user:2", "group:1"} {
		s.NoError(prefixed.Put([]byte(k), []byte(k)))
	}

	var got []string
	s.NoError(prefixed.KeysWithPrefix([]byte("user:"), func(key []byte) bool {
		got = append(got, string(key))
		return true
	}))
	s.Equal([]string{"user:1", "user:2"}, got)
	s.NoError(storage.Close())

	reopened, err := datatanker.OpenExisting(s.dir, datatanker.Settings{AccessMethod: datatanker.RadixTree})
	s.NoError(err)
	defer reopened.Close()

	value, err := reopened.Get([]byte("group:1"))
	s.NoError(err)
	s.Equal([]byte("group:1"), value)

	count, err := reopened.Count()
	s.NoError(err)
	s.Equal(uint64(3), count)
}

func (s *StorageTestSuite) TestFlushPersistsWithoutClose() {
	storage, err := datatanker.CreateNew(s.dir, datatanker.Settings{})
	s.NoError(err)
	defer storage.Close()

	s.NoError(storage.Put([]byte("k"), []byte("v")))
	s.NoError(storage.Flush())

	// The backing file holds a whole number of pages after a flush.
	info, err := os.Stat(filepath.Join(s.dir, "storage.dat"))
	s.NoError(err)
	s.Zero(info.Size() % 4096)
	s.Greater(info.Size(), int64(0))
}
