package profile

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/openebl/idsreg/pkg/model"
	"github.com/openebl/idsreg/pkg/util"
	"github.com/sirupsen/logrus"
)

const maxAnalyzerIDAttempts = 8

// IDSource produces candidate analyzer identities. Zero is never accepted.
type IDSource func() uint64

func RandomIDSource() uint64 {
	return util.NewUint64()
}

// TimeIDSource derives the identity from the creation time: seconds in the high
// half and microseconds in the low half.
func TimeIDSource() uint64 {
	now := time.Now()
	return uint64(now.Unix())<<32 | uint64(now.Nanosecond()/1000)
}

// loadOrCreateAnalyzerID returns the identity stored in the profile, creating it
// when absent. An unreadable identity is discarded and a new one generated.
func loadOrCreateAnalyzerID(p *Profile, source IDSource) (model.AnalyzerID, error) {
	path := p.AnalyzerIDFile()

	for attempt := 0; attempt < maxAnalyzerIDAttempts; attempt++ {
		content, err := os.ReadFile(path)
		if err == nil {
			id, parseErr := model.ParseAnalyzerID(string(content))
			if parseErr == nil && id != 0 {
				return id, nil
			}
			logrus.Warnf("analyzer id file %s is corrupt, generating a new identity", path)
			if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return 0, fmt.Errorf("fail to remove %s: %s: %w", path, err.Error(), model.ErrFilesystem)
			}
			continue
		} else if !errors.Is(err, fs.ErrNotExist) {
			return 0, fmt.Errorf("fail to read %s: %s: %w", path, err.Error(), model.ErrFilesystem)
		}

		id := model.AnalyzerID(source())
		if id == 0 {
			continue
		}

		// O_EXCL so two concurrent creators agree on a single identity.
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, FileMode)
		if errors.Is(err, fs.ErrExist) {
			continue
		} else if err != nil {
			return 0, fmt.Errorf("fail to create %s: %s: %w", path, err.Error(), model.ErrFilesystem)
		}
		_, err = f.WriteString(id.String() + "\n")
		if closeErr := f.Close(); err == nil {
			err = closeErr
		}
		if err != nil {
			os.Remove(path)
			return 0, fmt.Errorf("fail to write %s: %s: %w", path, err.Error(), model.ErrFilesystem)
		}
		p.chown(path)

		logrus.Debugf("created analyzer id %s for profile %q", id, p.name)
		return id, nil
	}

	return 0, fmt.Errorf("could not establish an analyzer id in %s after %d attempts: %w", path, maxAnalyzerIDAttempts, model.ErrFilesystem)
}
