package datatanker

import (
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/datatanker/datatanker/internal/paging"
)

// The info sidecar is a UTF-8 text file of key=value lines next to the
// paged file. It carries the engine-type tag used to reject opening a
// storage with the wrong access method.
const (
	infoFileName = "info"
	dataFileName = "storage.dat"

	infoKeyTypeTag     = "StorageClrTypeName"
	infoKeyVersion     = "OnDiskStructureVersion"
	infoKeyPageSize    = "PageSize"
	infoKeyCompression = "Compression"
)

type storageInfo struct {
	typeTag     string
	version     int
	pageSize    int
	compression Compression
}

func infoPath(dir string) string {
	return filepath.Join(dir, infoFileName)
}

func dataPath(dir string) string {
	return filepath.Join(dir, dataFileName)
}

func writeInfo(dir string, info storageInfo) error {
	fields := map[string]string{
		infoKeyTypeTag:     info.typeTag,
		infoKeyVersion:     strconv.Itoa(info.version),
		infoKeyPageSize:    strconv.Itoa(info.pageSize),
		infoKeyCompression: string(info.compression),
	}

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s=%s\n", k, fields[k])
	}
	return errors.Wrap(ioutil.WriteFile(infoPath(dir), []byte(b.String()), 0644), "write info file")
}

func readInfo(dir string) (storageInfo, error) {
	data, err := ioutil.ReadFile(infoPath(dir))
	if err != nil {
		if os.IsNotExist(err) {
			return storageInfo{}, errors.Wrap(ErrStorageFormat, "info file missing")
		}
		return storageInfo{}, errors.Wrap(err, "read info file")
	}

	fields := make(map[string]string)
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			return storageInfo{}, errors.Wrapf(ErrStorageFormat, "malformed info line %q", line)
		}
		fields[parts[0]] = parts[1]
	}

	info := storageInfo{
		typeTag:     fields[infoKeyTypeTag],
		compression: Compression(fields[infoKeyCompression]),
	}
	if info.typeTag == "" {
		return storageInfo{}, errors.Wrap(ErrStorageFormat, "info file lacks an engine type tag")
	}
	if info.version, err = strconv.Atoi(fields[infoKeyVersion]); err != nil {
		return storageInfo{}, errors.Wrap(ErrStorageFormat, "info file lacks a structure version")
	}
	if info.pageSize, err = strconv.Atoi(fields[infoKeyPageSize]); err != nil {
		return storageInfo{}, errors.Wrap(ErrStorageFormat, "info file lacks a page size")
	}
	if info.compression == "" {
		info.compression = CompressionNone
	}
	return info, nil
}

// storageExists reports whether dir already holds a storage file set.
func storageExists(dir string) bool {
	if _, err := os.Stat(infoPath(dir)); err == nil {
		return true
	}
	return !paging.CanCreateSpace(dataPath(dir))
}
