// Package fuseproto encodes and decodes the FUSE header pair that brackets
// every virtio-fs request. Layouts match include/uapi/linux/fuse.h and are
// little-endian.
//
//	struct fuse_in_header {
//	    __u32 len;
//	    __u32 opcode;
//	    __u64 unique;
//	    __u64 nodeid;
//	    __u32 uid;
//	    __u32 gid;
//	    __u32 pid;
//	    __u32 padding;
//	};
//	struct fuse_out_header {
//	    __u32 len;     // total length including this header
//	    __s32 error;   // 0 or -errno
//	    __u64 unique;  // echo of request
//	};
package fuseproto

import (
	"encoding/binary"
	"fmt"

	"github.com/hanwen/go-fuse/v2/fuse"
)

const (
	InHeaderSize  = 40
	OutHeaderSize = 16
)

// PutInHeader writes h into dst.
func PutInHeader(dst []byte, h *fuse.InHeader) error {
	if len(dst) < InHeaderSize {
		return fmt.Errorf("fuseproto: in header needs %d bytes, have %d", InHeaderSize, len(dst))
	}
	binary.LittleEndian.PutUint32(dst[0:4], h.Length)
	binary.LittleEndian.PutUint32(dst[4:8], h.Opcode)
	binary.LittleEndian.PutUint64(dst[8:16], h.Unique)
	binary.LittleEndian.PutUint64(dst[16:24], h.NodeId)
	binary.LittleEndian.PutUint32(dst[24:28], h.Uid)
	binary.LittleEndian.PutUint32(dst[28:32], h.Gid)
	binary.LittleEndian.PutUint32(dst[32:36], h.Pid)
	binary.LittleEndian.PutUint32(dst[36:40], 0)
	return nil
}

// ParseInHeader decodes the in header at the start of src.
func ParseInHeader(src []byte) (fuse.InHeader, error) {
	if len(src) < InHeaderSize {
		return fuse.InHeader{}, fmt.Errorf("fuseproto: short in header (%d bytes)", len(src))
	}
	var h fuse.InHeader
	h.Length = binary.LittleEndian.Uint32(src[0:4])
	h.Opcode = binary.LittleEndian.Uint32(src[4:8])
	h.Unique = binary.LittleEndian.Uint64(src[8:16])
	h.NodeId = binary.LittleEndian.Uint64(src[16:24])
	h.Uid = binary.LittleEndian.Uint32(src[24:28])
	h.Gid = binary.LittleEndian.Uint32(src[28:32])
	h.Pid = binary.LittleEndian.Uint32(src[32:36])
	return h, nil
}

// PutOutHeader writes h into dst.
func PutOutHeader(dst []byte, h *fuse.OutHeader) error {
	if len(dst) < OutHeaderSize {
		return fmt.Errorf("fuseproto: out header needs %d bytes, have %d", OutHeaderSize, len(dst))
	}
	binary.LittleEndian.PutUint32(dst[0:4], h.Length)
	binary.LittleEndian.PutUint32(dst[4:8], uint32(h.Status))
	binary.LittleEndian.PutUint64(dst[8:16], h.Unique)
	return nil
}

// ParseOutHeader decodes the out header at the start of src.
func ParseOutHeader(src []byte) (fuse.OutHeader, error) {
	if len(src) < OutHeaderSize {
		return fuse.OutHeader{}, fmt.Errorf("fuseproto: short out header (%d bytes)", len(src))
	}
	return fuse.OutHeader{
		Length: binary.LittleEndian.Uint32(src[0:4]),
		Status: int32(binary.LittleEndian.Uint32(src[4:8])),
		Unique: binary.LittleEndian.Uint64(src[8:16]),
	}, nil
}
