package inodemap

import (
	"encoding/binary"

	bolt "go.etcd.io/bbolt"
)

// Bucket names and the reserved counter key, per spec §6's on-disk layout:
// keys "inode:<u64>", "path:<bytes>", "meta:next_inode" collapse here into
// three top-level buckets instead of one flat keyspace with string
// prefixes, since bbolt already gives us namespacing for free.
var (
	bucketInode = []byte("inode")
	bucketPath  = []byte("path")
	bucketMeta  = []byte("meta")

	keyNextInode = []byte("next_inode")
)

// RootInode is reserved for the mount root and always maps to "".
const RootInode uint64 = 1

func encodeInode(id uint64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], id)
	return b[:]
}

func decodeInode(b []byte) uint64 {
	return binary.LittleEndian.Uint64(b)
}

func openBuckets(tx *bolt.Tx) (inodeB, pathB, metaB *bolt.Bucket, err error) {
	inodeB, err = tx.CreateBucketIfNotExists(bucketInode)
	if err != nil {
		return
	}
	pathB, err = tx.CreateBucketIfNotExists(bucketPath)
	if err != nil {
		return
	}
	metaB, err = tx.CreateBucketIfNotExists(bucketMeta)
	return
}
