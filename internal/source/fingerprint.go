package source

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strconv"
	"time"
)

type fingerprintEntry struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Size     int64  `json:"size"`
	Modified string `json:"modified"`
}

// ListingFingerprint hashes the listing sorted by id so the result does not
// depend on the order the source returned files in.
func ListingFingerprint(files []FileInfo) string {
	entries := make([]fingerprintEntry, len(files))
	for i, f := range files {
		entries[i] = fingerprintEntry{
			ID:       f.ID,
			Name:     f.Name,
			Size:     f.Size,
			Modified: f.ModifiedTime.UTC().Format(time.RFC3339Nano),
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })

	data, _ := json.Marshal(entries) // plain structs, cannot fail
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// FileFingerprint identifies one version of one file for one tenant.
func FileFingerprint(tenant string, f FileInfo) string {
	h := sha256.New()
	for _, part := range []string{
		tenant,
		f.ID,
		strconv.FormatInt(f.Size, 10),
		strconv.FormatInt(f.ModifiedTime.UTC().UnixNano(), 10),
	} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
