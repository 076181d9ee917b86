// Package snapshot persists the environment state across restarts. The file
// is a zstd stream holding a JSON header line followed by the JSON body, so a
// reader can sniff the version without decoding the rest.
package snapshot

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"

	"github.com/procmadatelzobak/iris-relay/internal/sim/env"
)

type Header struct {
	Version int    `json:"version"`
	SavedAt string `json:"saved_at"`
}

type EnvStateV1 struct {
	Header Header    `json:"header"`
	Env    env.State `json:"env"`
}

func Save(path string, snap EnvStateV1) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	defer enc.Close()

	bw := bufio.NewWriter(enc)
	defer bw.Flush()

	hb, _ := json.Marshal(snap.Header)
	if _, err := bw.Write(hb); err != nil {
		return err
	}
	if err := bw.WriteByte('\n'); err != nil {
		return err
	}
	if err := json.NewEncoder(bw).Encode(&snap); err != nil {
		return fmt.Errorf("snapshot encode: %w", err)
	}
	return nil
}

func Load(path string) (*EnvStateV1, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer dec.Close()

	br := bufio.NewReader(dec)

	var hdr Header
	line, err := br.ReadBytes('\n')
	if err != nil {
		return nil, fmt.Errorf("snapshot header: %w", err)
	}
	if err := json.Unmarshal(line, &hdr); err != nil {
		return nil, fmt.Errorf("snapshot header: %w", err)
	}
	if hdr.Version != 1 {
		return nil, fmt.Errorf("snapshot version %d not supported", hdr.Version)
	}

	var snap EnvStateV1
	if err := json.NewDecoder(br).Decode(&snap); err != nil {
		return nil, fmt.Errorf("snapshot decode: %w", err)
	}
	return &snap, nil
}
