package quotafs

import (
	"context"
	"errors"
	"fmt"
	"io"
	iofs "io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/minio/minio-go/v7"
	miniocredentials "github.com/minio/minio-go/v7/pkg/credentials"
)

// SnapshotArchive stores copies of the ledger outside the mount host.
type SnapshotArchive interface {
	Put(name string, data *os.File) (int64, error)
	Fetch(name string) (io.ReadCloser, error)
	Close() error
}

var ErrArchiveNotConfigured error = errors.New("snapshot archive not configured")

type unconfiguredArchive struct{}

func (a *unconfiguredArchive) Put(name string, data *os.File) (int64, error) {
	return 0, ErrArchiveNotConfigured
}

func (a *unconfiguredArchive) Fetch(name string) (io.ReadCloser, error) {
	return nil, ErrArchiveNotConfigured
}

func (a *unconfiguredArchive) Close() error {
	return nil
}

type fileArchive struct {
	path string
}

func (a *fileArchive) Put(name string, data *os.File) (int64, error) {
	f, err := os.Create(filepath.Join(a.path, name))
	if err != nil {
		return 0, err
	}
	defer f.Close()
	n, err := io.Copy(f, data)
	if err != nil {
		return n, err
	}
	return n, f.Sync()
}

func (a *fileArchive) Fetch(name string) (io.ReadCloser, error) {
	return os.Open(filepath.Join(a.path, name))
}

func (a *fileArchive) Close() error {
	return nil
}

type s3Archive struct {
	path   string
	bucket string
	client *minio.Client
}

func (a *s3Archive) objectName(name string) string {
	return strings.TrimPrefix(a.path+"/"+name, "/")
}

func (a *s3Archive) Put(name string, data *os.File) (int64, error) {
	stat, err := data.Stat()
	if err != nil {
		return 0, err
	}
	info, err := a.client.PutObject(
		context.Background(),
		a.bucket,
		a.objectName(name),
		data,
		stat.Size(),
		minio.PutObjectOptions{ContentType: "text/tab-separated-values"},
	)
	if err != nil {
		if minio.ToErrorResponse(err).StatusCode == 403 {
			return 0, iofs.ErrPermission
		}
		return 0, err
	}
	return info.Size, nil
}

func (a *s3Archive) Fetch(name string) (io.ReadCloser, error) {
	obj, err := a.client.GetObject(
		context.Background(),
		a.bucket,
		a.objectName(name),
		minio.GetObjectOptions{},
	)
	if err != nil {
		return nil, err
	}
	// GetObject is lazy, stat it so a missing snapshot fails here.
	_, err = obj.Stat()
	if err != nil {
		_ = obj.Close()
		if minio.ToErrorResponse(err).StatusCode == 404 {
			return nil, iofs.ErrNotExist
		}
		return nil, err
	}
	return obj, nil
}

func (a *s3Archive) Close() error {
	return nil
}

// NewSnapshotArchive parses an archive specification, either
// "file:/some/dir" or "s3://[key:secret@]host[:port]/prefix?bucket=b[&secure=false]".
// Without credentials in the url they are taken from the AWS environment.
// An empty specification gives an archive that rejects every operation.
func NewSnapshotArchive(archiveSpec string) (SnapshotArchive, error) {

	if strings.HasPrefix(archiveSpec, "file:") {
		return &fileArchive{
			path: archiveSpec[5:],
		}, nil
	}

	if strings.HasPrefix(archiveSpec, "s3:") {
		var creds *miniocredentials.Credentials

		u, err := url.Parse(archiveSpec)
		if err != nil {
			return nil, err
		}

		q := u.Query()

		if u.User != nil {
			accessKeyID := u.User.Username()
			secretAccessKey, _ := u.User.Password()
			creds = miniocredentials.NewStaticV4(accessKeyID, secretAccessKey, "")
		} else {
			creds = miniocredentials.NewEnvAWS()
		}

		bucket, ok := q["bucket"]
		if !ok {
			return nil, fmt.Errorf("s3 archive url %q must contain bucket parameter", u.Redacted())
		}

		isSecure := true
		if secureParam, ok := q["secure"]; ok {
			isSecure = secureParam[0] != "false"
		}

		endpoint := u.Hostname()
		if u.Port() != "" {
			endpoint = endpoint + ":" + u.Port()
		}

		client, err := minio.New(endpoint, &minio.Options{
			Creds:  creds,
			Secure: isSecure,
		})
		if err != nil {
			return nil, err
		}

		return &s3Archive{
			bucket: bucket[0],
			path:   strings.TrimSuffix(u.Path, "/"),
			client: client,
		}, nil
	}

	if archiveSpec == "" {
		return &unconfiguredArchive{}, nil
	}

	return nil, errors.New("unknown/invalid archive specification")
}

// ArchiveSnapshot uploads snap to archive under name.
func ArchiveSnapshot(archive SnapshotArchive, snap Snapshot, name string) (int64, error) {
	tmp, err := os.CreateTemp("", "quotafs-snapshot-*")
	if err != nil {
		return 0, err
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	_, err = snap.WriteTo(tmp)
	if err != nil {
		return 0, err
	}
	_, err = tmp.Seek(0, io.SeekStart)
	if err != nil {
		return 0, err
	}
	return archive.Put(name, tmp)
}

// RestoreSnapshot fetches an archived snapshot and installs it with w. An
// archived snapshot containing corrupt lines is refused unless force is set.
func RestoreSnapshot(archive SnapshotArchive, name string, w SnapshotWriter, force bool) (LoadReport, error) {
	r, err := archive.Fetch(name)
	if err != nil {
		return LoadReport{}, err
	}
	defer r.Close()

	ledger, report, err := ParseLedger(r)
	if err != nil {
		return report, err
	}
	if len(report.Corrupt) != 0 && !force {
		return report, fmt.Errorf("archived snapshot %q has %d corrupt lines: %w", name, len(report.Corrupt), report.Corrupt[0])
	}
	return report, w.Persist(ledger.Snapshot())
}

// ArchiveSnapshot uploads the current ledger to archive under name.
func (e *Enforcer) ArchiveSnapshot(archive SnapshotArchive, name string) (int64, error) {
	return ArchiveSnapshot(archive, e.Snapshot(), name)
}
