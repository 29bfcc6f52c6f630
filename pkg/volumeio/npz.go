package volumeio

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/carbocation/pfx"
	"github.com/sbinet/npyio/npz"
)

// Entry is one named array of an .npz archive
type Entry struct {
	Name  string
	Array Array
}

// WriteNPZ writes the entries as a deflate-compressed .npz archive, the
// layout numpy.savez_compressed produces. Entries keep their order.
func WriteNPZ(path string, entries []Entry) error {
	if err := checkEntries(entries); err != nil {
		return pfx.Err(fmt.Errorf("%s: %w", path, err))
	}

	w, err := npz.Create(path)
	if err != nil {
		return pfx.Err(err)
	}
	if err := writeEntries(w, entries); err != nil {
		w.Close()
		os.Remove(path)
		return pfx.Err(fmt.Errorf("%s: %w", path, err))
	}
	return pfx.Err(w.Close())
}

// EncodeNPZ writes the archive to w.
func EncodeNPZ(w io.Writer, entries []Entry) error {
	if err := checkEntries(entries); err != nil {
		return err
	}
	zw := npz.NewWriter(w)
	if err := writeEntries(zw, entries); err != nil {
		zw.Close()
		return err
	}
	return zw.Close()
}

func checkEntries(entries []Entry) error {
	seen := make(map[string]bool, len(entries))
	for _, e := range entries {
		if seen[e.Name] {
			return fmt.Errorf("duplicate npz entry %q", e.Name)
		}
		seen[e.Name] = true
	}
	return nil
}

func writeEntries(w *npz.Writer, entries []Entry) error {
	for _, e := range entries {
		v, err := e.Array.ndarray()
		if err != nil {
			return fmt.Errorf("entry %s: %w", e.Name, err)
		}
		if err := w.Write(e.Name+".npy", v); err != nil {
			return err
		}
	}
	return nil
}

// ReadNPZ reads every array of an .npz archive, keyed by name without the
// .npy suffix.
func ReadNPZ(path string) (map[string]Array, error) {
	r, err := npz.Open(path)
	if err != nil {
		return nil, pfx.Err(err)
	}
	defer r.Close()

	out := make(map[string]Array, len(r.Keys()))
	for _, key := range r.Keys() {
		a, err := readEntry(r, key)
		if err != nil {
			return nil, pfx.Err(fmt.Errorf("%s: %w", path, err))
		}
		out[strings.TrimSuffix(key, ".npy")] = a
	}
	return out, nil
}

// ReadNPZArray reads a single named array of an .npz archive.
func ReadNPZArray(path, name string) (Array, error) {
	r, err := npz.Open(path)
	if err != nil {
		return Array{}, pfx.Err(err)
	}
	defer r.Close()

	for _, key := range r.Keys() {
		if strings.TrimSuffix(key, ".npy") != name {
			continue
		}
		a, err := readEntry(r, key)
		if err != nil {
			return Array{}, pfx.Err(fmt.Errorf("%s: %w", path, err))
		}
		return a, nil
	}
	return Array{}, pfx.Err(fmt.Errorf("%s: no array named %q", path, name))
}

func readEntry(r *npz.Reader, key string) (Array, error) {
	rc, err := r.Open(key)
	if err != nil {
		return Array{}, err
	}
	defer rc.Close()

	a, err := ReadNPY(rc)
	if err != nil {
		return Array{}, fmt.Errorf("entry %s: %w", key, err)
	}
	return a, nil
}

// SaveNPY writes a single array to path.
func SaveNPY(path string, a Array) error {
	f, err := os.Create(path)
	if err != nil {
		return pfx.Err(err)
	}
	if err := WriteNPY(f, a); err != nil {
		f.Close()
		return pfx.Err(fmt.Errorf("%s: %w", path, err))
	}
	return pfx.Err(f.Close())
}

// LoadNPY reads a single array from path.
func LoadNPY(path string) (Array, error) {
	f, err := os.Open(path)
	if err != nil {
		return Array{}, pfx.Err(err)
	}
	defer f.Close()

	a, err := ReadNPY(f)
	if err != nil {
		return Array{}, pfx.Err(fmt.Errorf("%s: %w", path, err))
	}
	return a, nil
}
