package rpki

import (
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/asn1"
	"fmt"
	"math/big"
	"sort"
	"time"
)

// ManifestFileEntry is one (file, hash) pair a manifest lists, per
// RFC 6486.
type ManifestFileEntry struct {
	Name string
	Hash [32]byte
}

type manifestFileAndHash struct {
	File string
	Hash asn1.BitString
}

type manifestContent struct {
	Version     int `asn1:"optional,explicit,default:0,tag:0"`
	ManifestNumber *big.Int
	ThisUpdate  time.Time
	NextUpdate  time.Time
	FileHashAlg asn1.ObjectIdentifier
	FileList    []manifestFileAndHash
}

// BuildManifest produces the eContent of a manifest (RFC 6486) listing
// every file currently published under a resource class's SIA,
// ordered lexicographically by filename as DER SEQUENCE OF requires a
// stable, reproducible order.
func BuildManifest(manifestNumber uint64, thisUpdate, nextUpdate time.Time, entries []ManifestFileEntry) ([]byte, error) {
	sorted := make([]ManifestFileEntry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	fileList := make([]manifestFileAndHash, len(sorted))
	for i, e := range sorted {
		fileList[i] = manifestFileAndHash{
			File: e.Name,
			Hash: asn1.BitString{Bytes: e.Hash[:], BitLength: 256},
		}
	}

	content := manifestContent{
		ManifestNumber: new(big.Int).SetUint64(manifestNumber),
		ThisUpdate:     thisUpdate.UTC(),
		NextUpdate:     nextUpdate.UTC(),
		FileHashAlg:    oidSHA256,
		FileList:       fileList,
	}
	return asn1.Marshal(content)
}

// SignManifest wraps a manifest's eContent in CMS SignedData using a
// freshly issued one-shot EE certificate.
func SignManifest(manifestNumber uint64, thisUpdate, nextUpdate time.Time, entries []ManifestFileEntry, eeCert *x509.Certificate, signerKey *rsa.PrivateKey, signingTime time.Time) (*SignedObject, error) {
	content, err := BuildManifest(manifestNumber, thisUpdate, nextUpdate, entries)
	if err != nil {
		return nil, fmt.Errorf("build manifest content: %w", err)
	}
	return CMSWrap(OIDManifest, content, eeCert, signerKey, signingTime)
}

// FileHash computes the SHA-256 digest a manifest entry or a publish
// element's hash precondition uses.
func FileHash(data []byte) [32]byte {
	return sha256.Sum256(data)
}
