package install

import (
	"archive/zip"
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// Entries of a streaming update package.
const (
	PayloadBinary     = "payload.bin"
	PayloadProperties = "payload_properties.txt"
)

const (
	localHeaderSize         = 30
	localHeaderSignature    = 0x04034b50
	localNameLenOffset      = 26
	localExtraLenOffset     = 28
	dataDescriptorSig       = 0x08074b50
	dataDescriptorBody      = 12
	dataDescriptorBodyZip64 = 20
	flagDataDescriptor      = 0x8
	zip64Threshold          = 0xffffffff
)

// IsStreamingPackage reports whether the package at path carries both the
// payload and its properties, which routes it to the streaming backend.
func IsStreamingPackage(path string) (bool, error) {
	r, err := zip.OpenReader(path)
	if err != nil {
		return false, fmt.Errorf("failed to open package: %w", err)
	}
	defer r.Close()

	var payload, props bool

	for _, f := range r.File {
		switch f.Name {
		case PayloadBinary:
			payload = true
		case PayloadProperties:
			props = true
		}
	}

	return payload && props, nil
}

// ZipEntryOffset returns the offset of the data of entry name inside the archive at path.
func ZipEntryOffset(path, name string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("failed to open package: %w", err)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("failed to stat package: %w", err)
	}

	return zipEntryOffset(f, st.Size(), name)
}

// zipEntryOffset walks the local file headers in archive order. Each entry
// occupies a 30 byte header, its name and extra field, then its compressed data.
func zipEntryOffset(ra io.ReaderAt, size int64, name string) (int64, error) {
	zr, err := zip.NewReader(ra, size)
	if err != nil {
		return 0, fmt.Errorf("failed to read package: %w", err)
	}

	var (
		offset int64
		header [localHeaderSize]byte
	)

	for _, f := range zr.File {
		if _, err := ra.ReadAt(header[:], offset); err != nil {
			return 0, fmt.Errorf("failed to read local header of %s: %w", f.Name, err)
		}

		if binary.LittleEndian.Uint32(header[:4]) != localHeaderSignature {
			return 0, fmt.Errorf("bad local header for %s at offset %d", f.Name, offset)
		}

		nameLen := int64(binary.LittleEndian.Uint16(header[localNameLenOffset:]))
		extraLen := int64(binary.LittleEndian.Uint16(header[localExtraLenOffset:]))

		offset += localHeaderSize + nameLen + extraLen
		if f.Name == name {
			return offset, nil
		}

		offset += int64(f.CompressedSize64)

		if f.Flags&flagDataDescriptor != 0 {
			n, err := dataDescriptorLen(ra, offset, f.CompressedSize64 >= zip64Threshold || f.UncompressedSize64 >= zip64Threshold)
			if err != nil {
				return 0, fmt.Errorf("failed to read data descriptor of %s: %w", f.Name, err)
			}

			offset += n
		}
	}

	return 0, fmt.Errorf("%w: %s", ErrEntryNotFound, name)
}

// dataDescriptorLen sizes the descriptor trailing an entry, whose signature is optional.
func dataDescriptorLen(ra io.ReaderAt, offset int64, zip64 bool) (int64, error) {
	var sig [4]byte
	if _, err := ra.ReadAt(sig[:], offset); err != nil {
		return 0, err
	}

	n := int64(dataDescriptorBody)
	if zip64 {
		n = dataDescriptorBodyZip64
	}

	if binary.LittleEndian.Uint32(sig[:]) == dataDescriptorSig {
		n += 4
	}

	return n, nil
}

// ReadPayloadProperties returns the non-empty lines of the payload properties
// entry, each a KEY=VALUE argument for the streaming engine.
func ReadPayloadProperties(path string) ([]string, error) {
	r, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open package: %w", err)
	}
	defer r.Close()

	f, err := r.Open(PayloadProperties)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrEntryNotFound, PayloadProperties)
		}

		return nil, fmt.Errorf("failed to open payload properties: %w", err)
	}
	defer f.Close()

	var lines []string

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			lines = append(lines, line)
		}
	}

	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read payload properties: %w", err)
	}

	return lines, nil
}
