package datatanker

import (
	"github.com/sirupsen/logrus"

	"github.com/datatanker/datatanker/internal/blob"
	"github.com/datatanker/datatanker/internal/paging"
)

// AccessMethod selects the ordered-map algorithm layered above the
// allocator.
type AccessMethod byte

const (
	// BPlusTree keys are compared lexicographically and support ordered
	// traversal and range scans.
	BPlusTree AccessMethod = AccessMethod(paging.AccessMethodBPlusTree)

	// RadixTree keys are byte strings with prefix lookup.
	RadixTree AccessMethod = AccessMethod(paging.AccessMethodRadixTree)
)

func (m AccessMethod) String() string {
	switch m {
	case BPlusTree:
		return "bplustree"
	case RadixTree:
		return "radixtree"
	default:
		return "unknown"
	}
}

// typeTag is the engine-type discriminator written to the info sidecar.
func (m AccessMethod) typeTag() string {
	switch m {
	case RadixTree:
		return "DataTanker.RadixTreeStorage"
	default:
		return "DataTanker.BPlusTreeStorage"
	}
}

// Compression names the record payload compression algorithm, fixed at
// storage creation.
type Compression string

const (
	CompressionNone   Compression = "none"
	CompressionSnappy Compression = "snappy"
	CompressionLz4    Compression = "lz4"
)

func (c Compression) algorithm() (blob.CompressAlgorithm, error) {
	return blob.ParseCompressAlgorithm(string(c))
}

// DefaultPageSize is used when Settings leaves PageSize zero.
const DefaultPageSize = 4096

// Settings configures a storage. The zero value plus DefaultSettings'
// fill-ins give a 4 KiB page B+Tree storage without compression.
type Settings struct {
	// PageSize must be a power of two, at least 4096. At open it must
	// match the storage or be left zero.
	PageSize int

	// CacheCapacity bounds the page cache in pages.
	CacheCapacity int

	// AccessMethod selects the algorithm. At open it must match the
	// storage.
	AccessMethod AccessMethod

	// Compression applies to record payloads. Recorded in the info
	// sidecar at create; ignored at open.
	Compression Compression

	// Logger receives structural debug logs. Defaults to the standard
	// logrus logger.
	Logger logrus.FieldLogger
}

// DefaultSettings returns the settings used for unset fields.
func DefaultSettings() Settings {
	return Settings{
		PageSize:      DefaultPageSize,
		CacheCapacity: paging.DefaultCacheCapacity,
		AccessMethod:  BPlusTree,
		Compression:   CompressionNone,
		Logger:        logrus.StandardLogger(),
	}
}

func (s Settings) withDefaults() Settings {
	d := DefaultSettings()
	if s.PageSize == 0 {
		s.PageSize = d.PageSize
	}
	if s.CacheCapacity == 0 {
		s.CacheCapacity = d.CacheCapacity
	}
	if s.AccessMethod == 0 {
		s.AccessMethod = d.AccessMethod
	}
	if s.Compression == "" {
		s.Compression = d.Compression
	}
	if s.Logger == nil {
		s.Logger = d.Logger
	}
	return s
}
