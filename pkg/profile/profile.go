// Package profile maps a named analyzer profile onto its files under the profile
// root and owns the analyzer identity persisted there.
package profile

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/openebl/idsreg/pkg/model"
	"github.com/openebl/idsreg/pkg/util"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
)

const (
	FileMode os.FileMode = 0640
	DirMode  os.FileMode = 0750

	tlsKeyDir    = "tls/keys"
	tlsServerDir = "tls/server"
	tlsClientDir = "tls/client"
	identDir     = "analyzerid"
)

var profileNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// Layout locates every profile of an installation.
type Layout struct {
	Root     string
	SpoolDir string
}

type Profile struct {
	layout     Layout
	name       string
	analyzerID model.AnalyzerID
	uid        int
	gid        int
}

type Option func(o *options)

type options struct {
	uid      int
	gid      int
	idSource IDSource
}

// WithOwner makes every file and directory written for the profile owned by
// uid:gid. -1 leaves the corresponding id unchanged.
func WithOwner(uid, gid int) Option {
	return func(o *options) {
		o.uid = uid
		o.gid = gid
	}
}

func WithIDSource(source IDSource) Option {
	return func(o *options) {
		o.idSource = source
	}
}

func newOptions(opts []Option) options {
	o := options{uid: -1, gid: -1, idSource: RandomIDSource}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func ValidateName(name string) error {
	if err := validation.Validate(name,
		validation.Required,
		validation.Length(1, 255),
		validation.Match(profileNamePattern),
	); err != nil {
		return fmt.Errorf("invalid profile name %q: %s: %w", name, err.Error(), model.ErrInvalidParameter)
	}
	return nil
}

// Exists reports whether the profile has an analyzer identity on disk.
func Exists(layout Layout, name string) bool {
	_, err := os.Stat(layout.analyzerIDFile(name))
	return err == nil
}

// Create makes a new profile: directories, then a fresh analyzer identity. It fails
// with ErrProfileExists when the profile already has an identity.
func Create(layout Layout, name string, opts ...Option) (*Profile, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	if Exists(layout, name) {
		return nil, fmt.Errorf("profile %q: %w", name, model.ErrProfileExists)
	}
	return OpenOrCreate(layout, name, opts...)
}

// Open loads an existing profile.
func Open(layout Layout, name string, opts ...Option) (*Profile, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	if !Exists(layout, name) {
		return nil, fmt.Errorf("profile %q: %w", name, model.ErrProfileNotFound)
	}
	return OpenOrCreate(layout, name, opts...)
}

func OpenOrCreate(layout Layout, name string, opts ...Option) (*Profile, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}

	o := newOptions(opts)
	p := &Profile{layout: layout, name: name, uid: o.uid, gid: o.gid}
	if err := p.makeDirs(); err != nil {
		return nil, err
	}

	id, err := loadOrCreateAnalyzerID(p, o.idSource)
	if err != nil {
		return nil, err
	}
	p.analyzerID = id
	return p, nil
}

// List returns the names of every profile with an analyzer identity, sorted.
func List(layout Layout) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(layout.Root, identDir))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("fail to list profiles: %s: %w", err.Error(), model.ErrFilesystem)
	}

	names := lo.FilterMap(entries, func(entry os.DirEntry, _ int) (string, bool) {
		name := entry.Name()
		return name, entry.Type().IsRegular() && ValidateName(name) == nil
	})
	sort.Strings(names)
	return names, nil
}

// Rename moves every file of profile src to profile dst.
func Rename(layout Layout, src, dst string) error {
	if err := ValidateName(src); err != nil {
		return err
	}
	if err := ValidateName(dst); err != nil {
		return err
	}
	if !Exists(layout, src) {
		return fmt.Errorf("profile %q: %w", src, model.ErrProfileNotFound)
	}
	if Exists(layout, dst) {
		return fmt.Errorf("profile %q: %w", dst, model.ErrProfileExists)
	}

	for _, f := range layout.files(src) {
		target := filepath.Join(filepath.Dir(f.path), dst+f.suffix)
		if err := os.Rename(f.path, target); errors.Is(err, fs.ErrNotExist) {
			continue
		} else if err != nil {
			return fmt.Errorf("fail to rename %s to %s: %s: %w", f.path, target, err.Error(), model.ErrFilesystem)
		}
		logrus.Debugf("renamed %s to %s", f.path, target)
	}
	return nil
}

func (p *Profile) Name() string                 { return p.name }
func (p *Profile) AnalyzerID() model.AnalyzerID { return p.analyzerID }
func (p *Profile) Layout() Layout               { return p.layout }
func (p *Profile) UID() int                     { return p.uid }
func (p *Profile) GID() int                     { return p.gid }

func (p *Profile) KeyFile() string {
	return filepath.Join(p.layout.Root, tlsKeyDir, p.name)
}

// ServerCACertFile is the self-signed authority certificate.
func (p *Profile) ServerCACertFile() string {
	return filepath.Join(p.layout.Root, tlsServerDir, p.name+".ca")
}

// ServerKeyCertFile is the certificate the authority issued for its own key.
func (p *Profile) ServerKeyCertFile() string {
	return filepath.Join(p.layout.Root, tlsServerDir, p.name+".keycrt")
}

func (p *Profile) ServerCRLFile() string {
	return filepath.Join(p.layout.Root, tlsServerDir, p.name+".crl")
}

// ClientKeyCertFile accumulates certificates issued to this profile by managers.
func (p *Profile) ClientKeyCertFile() string {
	return filepath.Join(p.layout.Root, tlsClientDir, p.name+".keycrt")
}

// ClientTrustedCertFile accumulates the authority certificates of managers.
func (p *Profile) ClientTrustedCertFile() string {
	return filepath.Join(p.layout.Root, tlsClientDir, p.name+".trusted")
}

func (p *Profile) AnalyzerIDFile() string {
	return p.layout.analyzerIDFile(p.name)
}

func (p *Profile) BackupDir() string {
	return filepath.Join(p.layout.SpoolDir, p.name)
}

// Delete removes every file of the profile and its backup directory.
func (p *Profile) Delete() error {
	for _, f := range p.layout.files(p.name) {
		remove := os.Remove
		if f.dir {
			remove = os.RemoveAll
		}
		if err := remove(f.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("fail to remove %s: %s: %w", f.path, err.Error(), model.ErrFilesystem)
		}
	}
	logrus.Debugf("deleted profile %q", p.name)
	return nil
}

// Chown changes the owner of every existing profile file. Failures are logged and
// skipped.
func (p *Profile) Chown(uid, gid int) {
	p.uid, p.gid = uid, gid
	for _, f := range p.layout.files(p.name) {
		if _, err := os.Stat(f.path); err != nil {
			continue
		}
		p.chown(f.path)
	}
}

// WriteFile atomically replaces path with data: a temporary file in the same
// directory is written, synced, owned and then renamed over path.
func (p *Profile) WriteFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp := filepath.Join(dir, "."+filepath.Base(path)+"."+util.NewUUID())

	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, FileMode)
	if err != nil {
		return fmt.Errorf("fail to create %s: %s: %w", tmp, err.Error(), model.ErrFilesystem)
	}
	_, err = f.Write(data)
	if err == nil {
		err = f.Sync()
	}
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmp)
		return fmt.Errorf("fail to write %s: %s: %w", tmp, err.Error(), model.ErrFilesystem)
	}

	p.chown(tmp)
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("fail to replace %s: %s: %w", path, err.Error(), model.ErrFilesystem)
	}
	return nil
}

func (p *Profile) chown(path string) {
	if p.uid < 0 && p.gid < 0 {
		return
	}
	if err := os.Chown(path, p.uid, p.gid); err != nil {
		logrus.Warnf("could not set owner of %s to %d:%d: %v", path, p.uid, p.gid, err)
	}
}

func (p *Profile) makeDirs() error {
	dirs := []string{
		filepath.Join(p.layout.Root, tlsKeyDir),
		filepath.Join(p.layout.Root, tlsServerDir),
		filepath.Join(p.layout.Root, tlsClientDir),
		filepath.Join(p.layout.Root, identDir),
		p.BackupDir(),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, DirMode); err != nil {
			return fmt.Errorf("fail to create directory %s: %s: %w", dir, err.Error(), model.ErrFilesystem)
		}
	}
	p.chown(p.BackupDir())
	return nil
}

func (l Layout) analyzerIDFile(name string) string {
	return filepath.Join(l.Root, identDir, name)
}

type profileFile struct {
	path   string
	suffix string
	dir    bool
}

func (l Layout) files(name string) []profileFile {
	return []profileFile{
		{path: filepath.Join(l.Root, tlsKeyDir, name)},
		{path: filepath.Join(l.Root, tlsServerDir, name+".ca"), suffix: ".ca"},
		{path: filepath.Join(l.Root, tlsServerDir, name+".keycrt"), suffix: ".keycrt"},
		{path: filepath.Join(l.Root, tlsServerDir, name+".crl"), suffix: ".crl"},
		{path: filepath.Join(l.Root, tlsClientDir, name+".keycrt"), suffix: ".keycrt"},
		{path: filepath.Join(l.Root, tlsClientDir, name+".trusted"), suffix: ".trusted"},
		{path: filepath.Join(l.SpoolDir, name), dir: true},
		// Identity last: a profile half-way through Delete or Rename still exists.
		{path: l.analyzerIDFile(name)},
	}
}
