package hosting

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"scripthost/services/artifacts"
	"scripthost/services/store"
	"scripthost/services/supervisor"
)

// UploadRequest is one file submitted by a tenant.
type UploadRequest struct {
	TenantID int64
	Username string
	Name     string
	Body     io.Reader
}

// UploadResult describes a stored upload. A single source file is started
// immediately; a failed start is reported in StartError and does not fail
// the upload.
type UploadResult struct {
	Artifact    store.Artifact          `json:"artifact"`
	AutoStarted bool                    `json:"auto_started"`
	Start       *supervisor.StartResult `json:"start,omitempty"`
	StartError  string                  `json:"start_error,omitempty"`
	StartErr    error                   `json:"-"`
}

// Upload saves, unpacks, and records an artifact.
func (s *Service) Upload(ctx context.Context, req UploadRequest) (UploadResult, error) {
	if req.Body == nil {
		return UploadResult{}, errors.New("upload body is required")
	}
	name := filepath.Base(strings.TrimSpace(req.Name))
	if name == "" || name == "." || name == ".." || name == string(filepath.Separator) {
		return UploadResult{}, ErrInvalidName
	}

	if _, err := s.store.TouchTenant(ctx, req.TenantID, req.Username); err != nil {
		return UploadResult{}, err
	}
	n, err := s.store.CountArtifacts(ctx, req.TenantID)
	if err != nil {
		return UploadResult{}, err
	}
	if n >= int64(s.cfg.MaxFilesPerTenant) {
		return UploadResult{}, &QuotaError{Max: s.cfg.MaxFilesPerTenant}
	}

	stamp := strconv.FormatInt(s.now().Unix(), 10)
	tenantDir := filepath.Join(s.cfg.UploadsDir, strconv.FormatInt(req.TenantID, 10))
	if err := os.MkdirAll(tenantDir, 0o755); err != nil {
		return UploadResult{}, fmt.Errorf("create tenant dir: %w", err)
	}
	uploadPath, storedName, err := saveUpload(tenantDir, stamp, name, req.Body)
	if err != nil {
		return UploadResult{}, err
	}

	a := store.Artifact{
		TenantID:   req.TenantID,
		Username:   req.Username,
		StoredName: storedName,
		OrigName:   name,
		Path:       uploadPath,
		UploadPath: uploadPath,
		Kind:       artifacts.InferKind(name),
		UploadedAt: s.now(),
	}

	archive := a.Kind.IsArchive()
	if archive {
		extracted, entry, err := s.unpack(ctx, req.TenantID, stamp, uploadPath)
		if err != nil {
			_ = os.Remove(uploadPath)
			return UploadResult{}, err
		}
		a.Path = extracted
		a.MainFile = filepath.Base(entry)
		a.Kind = artifacts.InferKind(entry)
	}

	if err := s.store.CreateArtifact(ctx, &a); err != nil {
		removeArtifactFiles(a)
		return UploadResult{}, err
	}
	s.logger.Info().
		Int64("tenant_id", a.TenantID).
		Int64("artifact_id", a.ID).
		Str("name", a.OrigName).
		Str("kind", string(a.Kind)).
		Msg("uploaded")

	res := UploadResult{Artifact: a}
	if a.Kind.IsSource() && !archive {
		res.AutoStarted = true
		start, err := s.sup.Start(ctx, a.ID)
		if err != nil {
			res.StartErr = err
			res.StartError = err.Error()
			s.logger.Warn().Err(err).Int64("artifact_id", a.ID).Msg("auto start")
		} else {
			res.Start = &start
		}
	}
	return res, nil
}

// unpack extracts an archive into the temp tree and resolves its entry point.
// Nothing is left on disk when it fails.
func (s *Service) unpack(ctx context.Context, tenantID int64, stamp, archivePath string) (string, string, error) {
	dir, err := reserveDir(s.cfg.TempDir, fmt.Sprintf("extracted_%d_%s", tenantID, stamp))
	if err != nil {
		return "", "", err
	}
	if err := artifacts.Extract(ctx, archivePath, dir); err != nil {
		_ = os.RemoveAll(dir)
		return "", "", err
	}
	entry, err := artifacts.Resolve(dir)
	if err != nil {
		_ = os.RemoveAll(dir)
		return "", "", err
	}
	return dir, entry, nil
}

// saveUpload writes body to dir/{stamp}_{name}, adding a counter when a file
// of that name already exists.
func saveUpload(dir, stamp, name string, body io.Reader) (string, string, error) {
	for i := 0; ; i++ {
		stored := stamp + "_" + name
		if i > 0 {
			stored = fmt.Sprintf("%s_%d_%s", stamp, i, name)
		}
		path := filepath.Join(dir, stored)
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if errors.Is(err, os.ErrExist) {
			continue
		}
		if err != nil {
			return "", "", fmt.Errorf("save upload: %w", err)
		}
		if _, err := io.Copy(f, body); err != nil {
			_ = f.Close()
			_ = os.Remove(path)
			return "", "", fmt.Errorf("save upload: %w", err)
		}
		if err := f.Close(); err != nil {
			_ = os.Remove(path)
			return "", "", fmt.Errorf("save upload: %w", err)
		}
		return path, stored, nil
	}
}

func reserveDir(parent, base string) (string, error) {
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return "", err
	}
	for i := 0; ; i++ {
		name := base
		if i > 0 {
			name = fmt.Sprintf("%s_%d", base, i)
		}
		dir := filepath.Join(parent, name)
		err := os.Mkdir(dir, 0o755)
		if errors.Is(err, os.ErrExist) {
			continue
		}
		if err != nil {
			return "", err
		}
		return dir, nil
	}
}

// Delete stops an owned artifact, removes its files and logs, and deletes its
// records.
func (s *Service) Delete(ctx context.Context, tenantID, id int64) error {
	a, err := s.owned(ctx, tenantID, id)
	if err != nil {
		return err
	}
	if _, err := s.sup.Stop(ctx, id); err != nil {
		return err
	}

	runs, err := s.store.ListRuns(ctx, id, 0)
	if err != nil {
		return err
	}
	removeArtifactFiles(a)
	for _, run := range runs {
		if run.LogPath == "" {
			continue
		}
		if err := os.Remove(run.LogPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn().Err(err).Str("path", run.LogPath).Msg("remove run log")
		}
	}

	if err := s.store.DeleteArtifact(ctx, id); err != nil {
		return err
	}
	s.logger.Info().Int64("tenant_id", tenantID).Int64("artifact_id", id).Msg("deleted")
	return nil
}

func removeArtifactFiles(a store.Artifact) {
	if a.Path != "" {
		_ = os.RemoveAll(a.Path)
	}
	if a.UploadPath != "" && a.UploadPath != a.Path {
		_ = os.Remove(a.UploadPath)
	}
}
