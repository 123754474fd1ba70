package vault

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/pkg/errors"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/option"
)

// DriveStore keeps blobs as files in the user's Google Drive. Each user
// id maps to one file; conflicting writes from two devices resolve as
// last write wins.
type DriveStore struct {
	srv *drive.Service
}

// LoadToken reads a cached OAuth2 token from path.
func LoadToken(path string) (*oauth2.Token, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var token oauth2.Token
	if err := json.Unmarshal(data, &token); err != nil {
		return nil, err
	}
	return &token, nil
}

// NewDriveStore builds a store from OAuth client credentials JSON and a
// previously authorised token.
func NewDriveStore(ctx context.Context, credentials []byte, token *oauth2.Token) (*DriveStore, error) {
	if token == nil {
		return nil, errors.New("vault: drive token required")
	}
	config, err := google.ConfigFromJSON(credentials, drive.DriveFileScope)
	if err != nil {
		return nil, errors.Wrap(err, "vault: parsing drive credentials")
	}
	srv, err := drive.NewService(ctx, option.WithHTTPClient(config.Client(ctx, token)))
	if err != nil {
		return nil, errors.Wrap(err, "vault: creating drive service")
	}
	return &DriveStore{srv: srv}, nil
}

func NewDriveStoreFromService(srv *drive.Service) *DriveStore {
	return &DriveStore{srv: srv}
}

func driveFileName(id string) string {
	return "keyvault-" + blobName(id) + ".dat"
}

func (d *DriveStore) lookup(ctx context.Context, id string) (string, error) {
	q := fmt.Sprintf("name='%s' and trashed=false", driveFileName(id))
	r, err := d.srv.Files.List().Q(q).Fields("files(id)").Context(ctx).Do()
	if err != nil {
		return "", errors.Wrap(err, "vault: querying drive")
	}
	if len(r.Files) == 0 {
		return "", nil
	}
	return r.Files[0].Id, nil
}

func (d *DriveStore) Get(ctx context.Context, id string) ([]byte, error) {
	fileID, err := d.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	if fileID == "" {
		return nil, ErrNotFound
	}
	resp, err := d.srv.Files.Get(fileID).Context(ctx).Download()
	if err != nil {
		return nil, errors.Wrap(err, "vault: downloading from drive")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("vault: drive download status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "vault: reading drive download")
	}
	return data, nil
}

func (d *DriveStore) Put(ctx context.Context, id string, data []byte) error {
	fileID, err := d.lookup(ctx, id)
	if err != nil {
		return err
	}
	if fileID == "" {
		f := &drive.File{Name: driveFileName(id)}
		if _, err := d.srv.Files.Create(f).Media(bytes.NewReader(data)).Context(ctx).Do(); err != nil {
			return errors.Wrap(err, "vault: uploading to drive")
		}
		return nil
	}
	if _, err := d.srv.Files.Update(fileID, nil).Media(bytes.NewReader(data)).Context(ctx).Do(); err != nil {
		return errors.Wrap(err, "vault: updating drive file")
	}
	return nil
}

func (d *DriveStore) Delete(ctx context.Context, id string) error {
	fileID, err := d.lookup(ctx, id)
	if err != nil || fileID == "" {
		return err
	}
	if err := d.srv.Files.Delete(fileID).Context(ctx).Do(); err != nil {
		return errors.Wrap(err, "vault: deleting drive file")
	}
	return nil
}
