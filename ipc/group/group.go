// Package group defines the on-disk conventions for a named group of
// cooperating processes: the RAM-disk directory that anchors a group's
// virtual address window state, and (as a supplement over the minimal
// on-disk layout) a small registry of ring buffers created under that
// group so tooling can enumerate what a bare System-V key cannot name.
package group

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sugawarayuuta/sonnet"

	"github.com/songweijia/libwsong/ipc/wserr"
)

const (
	metaHome   = "/dev/shm"
	metaPrefix = "group_"
	buddiesFile = "buddies"
	ringsDir    = "rings"
)

// Dir returns the RAM-disk directory that anchors group's metadata.
func Dir(name string) string {
	return filepath.Join(metaHome, metaPrefix+name)
}

// BuddiesPath returns the path of group's buddy-tree state file.
func BuddiesPath(name string) string {
	return filepath.Join(Dir(name), buddiesFile)
}

// RingsDir returns the path of group's ring-buffer descriptor directory.
func RingsDir(name string) string {
	return filepath.Join(Dir(name), ringsDir)
}

// Create makes the group's metadata directory. It fails with
// AlreadyExists if the directory is already present.
func Create(name string) error {
	if name == "" {
		return wserr.New(wserr.InvalidArgument, "group.Create", "group name must not be empty")
	}
	dir := Dir(name)
	if _, err := os.Stat(dir); err == nil {
		return wserr.New(wserr.AlreadyExists, "group.Create",
			fmt.Sprintf("group directory %s already exists", dir))
	} else if !os.IsNotExist(err) {
		return wserr.Wrap(wserr.System, "group.Create", "stat group directory", err)
	}
	if err := os.Mkdir(dir, 0o755); err != nil {
		return wserr.Wrap(wserr.System, "group.Create", "mkdir group directory", err)
	}
	return nil
}

// Remove deletes the group's entire metadata directory. Callers are
// responsible for ensuring no other process is using the group.
func Remove(name string) error {
	if err := os.RemoveAll(Dir(name)); err != nil {
		return wserr.Wrap(wserr.System, "group.Remove", "remove group directory", err)
	}
	return nil
}

// Exists reports whether the group's metadata directory is present.
func Exists(name string) bool {
	info, err := os.Stat(Dir(name))
	return err == nil && info.IsDir()
}

// Info describes a group discovered under the metadata home.
type Info struct {
	Name string
	Dir  string
}

// List enumerates all groups currently present under the metadata home.
func List() ([]Info, error) {
	entries, err := os.ReadDir(metaHome)
	if err != nil {
		return nil, wserr.Wrap(wserr.System, "group.List", "read metadata home", err)
	}
	var groups []Info
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), metaPrefix) {
			continue
		}
		name := strings.TrimPrefix(e.Name(), metaPrefix)
		groups = append(groups, Info{Name: name, Dir: filepath.Join(metaHome, e.Name())})
	}
	return groups, nil
}

// RingDescriptor is the small side-index record written for a ring
// buffer created within a group, since a raw System-V key carries no
// descriptive metadata of its own.
type RingDescriptor struct {
	Key         int32  `json:"key"`
	Description string `json:"description"`
	Capacity    uint32 `json:"capacity"`
	EntrySize   uint16 `json:"entry_size"`
}

// RegisterRing records ring in the group's ring registry.
func RegisterRing(name string, ring RingDescriptor) error {
	dir := RingsDir(name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return wserr.Wrap(wserr.System, "group.RegisterRing", "mkdir rings directory", err)
	}
	data, err := sonnet.Marshal(ring)
	if err != nil {
		return wserr.Wrap(wserr.System, "group.RegisterRing", "marshal descriptor", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("%d.json", ring.Key))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return wserr.Wrap(wserr.System, "group.RegisterRing", "write descriptor", err)
	}
	return nil
}

// UnregisterRing removes key's descriptor from the group's ring registry.
// It is not an error for the descriptor to already be absent.
func UnregisterRing(name string, key int32) error {
	path := filepath.Join(RingsDir(name), fmt.Sprintf("%d.json", key))
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return wserr.Wrap(wserr.System, "group.UnregisterRing", "remove descriptor", err)
	}
	return nil
}

// ListRings enumerates the ring descriptors registered under group.
func ListRings(name string) ([]RingDescriptor, error) {
	dir := RingsDir(name)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, wserr.Wrap(wserr.System, "group.ListRings", "read rings directory", err)
	}
	var rings []RingDescriptor
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			continue
		}
		var rd RingDescriptor
		if err := sonnet.Unmarshal(data, &rd); err != nil {
			continue
		}
		rings = append(rings, rd)
	}
	return rings, nil
}
