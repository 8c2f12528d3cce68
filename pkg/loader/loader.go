// Package loader reads and writes bytevm program images.
//
// Two formats are accepted:
//   - raw images: [u32 data_size][instructions...], as executed by the VM
//   - containers: "BVMZ" magic, version byte, flags byte, then a body that
//     is zstd-compressed when flags bit 0 is set
//
// A container body is [u32 data_size][u32 init_len][init][instructions...],
// which lets a program carry a data initialiser the raw format cannot.
package loader

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/klauspost/compress/zstd"

	"github.com/fortiblox/bytevm/pkg/vm"
)

// Container magic bytes.
var containerMagic = []byte{'B', 'V', 'M', 'Z'}

// Container layout.
const (
	containerVersion    = 1
	containerHeaderSize = 6 // magic + version + flags
	bodyHeaderSize      = 8 // data_size + init_len
)

// Container flags.
const (
	FlagZstd = 0x1
)

// Loader errors.
var (
	ErrInvalidContainer   = errors.New("invalid container")
	ErrUnsupportedVersion = errors.New("unsupported container version")
	ErrTooLarge           = errors.New("image too large")
)

// MaxImageSize bounds both the encoded file and the decompressed body.
const MaxImageSize = 16 * 1024 * 1024

// IsContainer reports whether data starts with the container magic.
func IsContainer(data []byte) bool {
	return len(data) >= len(containerMagic) && bytes.Equal(data[:len(containerMagic)], containerMagic)
}

// Loader parses program images.
// A Loader is safe for concurrent use.
type Loader struct {
	decoder   *zstd.Decoder
	closeOnce sync.Once
}

// NewLoader creates a new loader.
func NewLoader() (*Loader, error) {
	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxImageSize))
	if err != nil {
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}
	return &Loader{decoder: dec}, nil
}

// Close releases the decoder. Loads after Close fail for compressed
// containers.
func (l *Loader) Close() {
	l.closeOnce.Do(l.decoder.Close)
}

// Load parses a raw image or a container.
func (l *Loader) Load(data []byte) (*vm.Program, error) {
	if len(data) > MaxImageSize {
		return nil, ErrTooLarge
	}
	if !IsContainer(data) {
		return vm.ParseProgram(append([]byte(nil), data...))
	}

	if len(data) < containerHeaderSize {
		return nil, fmt.Errorf("%w: truncated header", ErrInvalidContainer)
	}
	if v := data[4]; v != containerVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, v)
	}
	flags := data[5]
	if flags&^FlagZstd != 0 {
		return nil, fmt.Errorf("%w: unknown flags 0x%02x", ErrInvalidContainer, flags)
	}

	body := data[containerHeaderSize:]
	if flags&FlagZstd != 0 {
		var err error
		body, err = l.decoder.DecodeAll(body, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: zstd: %v", ErrInvalidContainer, err)
		}
		if len(body) > MaxImageSize {
			return nil, ErrTooLarge
		}
	}
	return parseBody(body)
}

func parseBody(body []byte) (*vm.Program, error) {
	if len(body) < bodyHeaderSize {
		return nil, fmt.Errorf("%w: body is %d byte(s)", ErrInvalidContainer, len(body))
	}
	dataSize := binary.LittleEndian.Uint32(body[0:4])
	initLen := binary.LittleEndian.Uint32(body[4:8])
	if initLen > dataSize {
		return nil, fmt.Errorf("%w: initialiser %d bytes exceeds data size %d", ErrInvalidContainer, initLen, dataSize)
	}
	if uint64(initLen) > uint64(len(body)-bodyHeaderSize) {
		return nil, fmt.Errorf("%w: initialiser truncated", ErrInvalidContainer)
	}

	rest := body[bodyHeaderSize:]
	code := make([]byte, vm.HeaderSize, vm.HeaderSize+len(rest)-int(initLen))
	binary.LittleEndian.PutUint32(code, dataSize)
	code = append(code, rest[initLen:]...)

	p := &vm.Program{DataSize: dataSize, Code: code}
	if initLen > 0 {
		p.Data = append([]byte(nil), rest[:initLen]...)
	}
	return p, nil
}

// Encode serialises p. Programs without a data initialiser are written as
// raw images unless compression is requested.
func Encode(p *vm.Program, compress bool) ([]byte, error) {
	if len(p.Code) < vm.HeaderSize {
		return nil, fmt.Errorf("%w: image is %d byte(s)", vm.ErrBadHeader, len(p.Code))
	}
	if uint64(len(p.Data)) > uint64(p.DataSize) {
		return nil, fmt.Errorf("%w: initialiser %d bytes exceeds data size %d", ErrInvalidContainer, len(p.Data), p.DataSize)
	}
	if len(p.Data) == 0 && !compress {
		return append([]byte(nil), p.Code...), nil
	}

	body := binary.LittleEndian.AppendUint32(nil, p.DataSize)
	body = binary.LittleEndian.AppendUint32(body, uint32(len(p.Data)))
	body = append(body, p.Data...)
	body = append(body, p.Instructions()...)

	out := append([]byte(nil), containerMagic...)
	out = append(out, containerVersion, 0)
	if compress {
		out[5] |= FlagZstd
		compressed, err := compressZstd(body)
		if err != nil {
			return nil, fmt.Errorf("zstd compression failed: %w", err)
		}
		body = compressed
	}
	return append(out, body...), nil
}

func compressZstd(data []byte) ([]byte, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, err
	}
	defer encoder.Close()
	return encoder.EncodeAll(data, nil), nil
}

// LoadFromBytes is a convenience function to load an image from bytes.
func LoadFromBytes(data []byte) (*vm.Program, error) {
	l, err := NewLoader()
	if err != nil {
		return nil, err
	}
	defer l.Close()
	return l.Load(data)
}

// LoadFile reads and parses an image file.
func LoadFile(path string) (*vm.Program, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.Size() > MaxImageSize {
		return nil, fmt.Errorf("%s: %w", path, ErrTooLarge)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	p, err := LoadFromBytes(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}
