// SPDX-FileCopyrightText: Copyright (C) 2025  Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-or-later

package validate

import (
	"encoding/hex"

	"github.com/ugorji/go/codec"

	"github.com/katzenpost/multidevice/protocol"
)

// BlobKeyLength is the length of the symmetric key encrypting file blobs.
const BlobKeyLength = 32

// FileRenderingType tells the receiver how to render a file message.
type FileRenderingType int

const (
	RenderFile FileRenderingType = iota
	RenderMedia
	RenderSticker
)

// BlobRef references a blob and its media type.
type BlobRef struct {
	BlobID    protocol.BlobID
	MediaType string
}

// FileJSON is the validated form of the JSON document carried by file
// messages.
type FileJSON struct {
	RenderingType FileRenderingType
	File          BlobRef
	Thumbnail     *BlobRef
	EncryptionKey [BlobKeyLength]byte
	FileName      string
	FileSize      uint64
	Caption       string
	CorrelationID string
}

// rawFileJSON uses the short keys of the wire format.  Keys this engine
// does not know about are ignored by the decoder.
type rawFileJSON struct {
	RenderingType *int    `codec:"j,omitempty"`
	Key           *string `codec:"k"`
	BlobID        *string `codec:"b"`
	MediaType     *string `codec:"m"`
	FileName      *string `codec:"n,omitempty"`
	Size          *uint64 `codec:"s"`
	ThumbnailID   *string `codec:"t,omitempty"`
	ThumbnailType *string `codec:"p,omitempty"`
	Caption       *string `codec:"d,omitempty"`
	CorrelationID *string `codec:"c,omitempty"`
}

var jsonHandle = &codec.JsonHandle{}

func decodeHex(field string, s *string, n int) ([]byte, error) {
	if s == nil {
		return nil, invalid(field, "missing")
	}
	b, err := hex.DecodeString(*s)
	if err != nil {
		return nil, invalid(field, "%v", err)
	}
	if len(b) != n {
		return nil, invalid(field, "length %d, expected %d", len(b), n)
	}
	return b, nil
}

func strOr(s *string, def string) string {
	if s == nil {
		return def
	}
	return *s
}

// ParseFileJSON validates a file message document.  Optional keys default
// when absent.
func ParseFileJSON(b []byte) (*FileJSON, error) {
	var raw rawFileJSON
	if err := codec.NewDecoderBytes(b, jsonHandle).Decode(&raw); err != nil {
		return nil, invalid("file", "%v", err)
	}

	f := &FileJSON{
		FileName:      strOr(raw.FileName, ""),
		Caption:       strOr(raw.Caption, ""),
		CorrelationID: strOr(raw.CorrelationID, ""),
	}
	if raw.RenderingType != nil {
		switch *raw.RenderingType {
		case 1:
			f.RenderingType = RenderMedia
		case 2:
			f.RenderingType = RenderSticker
		default:
			f.RenderingType = RenderFile
		}
	}

	key, err := decodeHex("file.k", raw.Key, BlobKeyLength)
	if err != nil {
		return nil, err
	}
	copy(f.EncryptionKey[:], key)

	id, err := decodeHex("file.b", raw.BlobID, protocol.BlobIDLength)
	if err != nil {
		return nil, err
	}
	copy(f.File.BlobID[:], id)

	if raw.MediaType == nil {
		return nil, invalid("file.m", "missing")
	}
	f.File.MediaType = *raw.MediaType

	if raw.Size == nil {
		return nil, invalid("file.s", "missing")
	}
	f.FileSize = *raw.Size

	if raw.ThumbnailID != nil {
		tid, err := decodeHex("file.t", raw.ThumbnailID, protocol.BlobIDLength)
		if err != nil {
			return nil, err
		}
		f.Thumbnail = &BlobRef{MediaType: strOr(raw.ThumbnailType, "image/jpeg")}
		copy(f.Thumbnail.BlobID[:], tid)
	}
	return f, nil
}

// Encode returns the JSON document for f.
func (f *FileJSON) Encode() ([]byte, error) {
	j := int(f.RenderingType)
	key := hex.EncodeToString(f.EncryptionKey[:])
	id := hex.EncodeToString(f.File.BlobID[:])
	raw := rawFileJSON{
		RenderingType: &j,
		Key:           &key,
		BlobID:        &id,
		MediaType:     &f.File.MediaType,
		Size:          &f.FileSize,
	}
	if f.FileName != "" {
		raw.FileName = &f.FileName
	}
	if f.Caption != "" {
		raw.Caption = &f.Caption
	}
	if f.CorrelationID != "" {
		raw.CorrelationID = &f.CorrelationID
	}
	if f.Thumbnail != nil {
		tid := hex.EncodeToString(f.Thumbnail.BlobID[:])
		raw.ThumbnailID = &tid
		raw.ThumbnailType = &f.Thumbnail.MediaType
	}

	var out []byte
	if err := codec.NewEncoderBytes(&out, jsonHandle).Encode(&raw); err != nil {
		return nil, err
	}
	return out, nil
}
