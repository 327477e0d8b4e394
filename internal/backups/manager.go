// Package backups snapshots the live collections and restores them.
package backups

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/invitation/backend/internal/apperr"
	"github.com/MarcoPoloResearchLab/invitation/backend/internal/blob"
	"github.com/MarcoPoloResearchLab/invitation/backend/internal/photos"
	"github.com/MarcoPoloResearchLab/invitation/backend/internal/rsvps"
	"github.com/MarcoPoloResearchLab/invitation/backend/internal/store"
	"github.com/MarcoPoloResearchLab/invitation/backend/internal/wishes"
	"go.uber.org/zap"
)

const (
	// Container holds snapshot objects.
	Container = "backups"
	// ScheduledCreator marks snapshots taken by the scheduler. Only these are purged.
	ScheduledCreator = "scheduled-backup"
	// DefaultRetention is how long scheduled snapshots are kept.
	DefaultRetention = 30 * 24 * time.Hour

	metaGroup     = "backupgroup"
	metaDataType  = "datatype"
	metaItemCount = "itemcount"
	metaCreatedBy = "createdby"
	metaTimestamp = "timestamp"

	contentTypeJSON = "application/json; charset=utf-8"

	opCreate   = "backups.create"
	opRestore  = "backups.restore"
	opList     = "backups.list"
	opDelete   = "backups.delete"
	opDownload = "backups.download"
	opPurge    = "backups.purge"
)

// DataType links a backup data type to its live collection.
type DataType struct {
	Name       string
	Collection string
}

// TrackedTypes lists every collection included in a backup, in order.
var TrackedTypes = []DataType{
	{Name: "rsvps", Collection: rsvps.CollectionName},
	{Name: "wishes", Collection: wishes.CollectionName},
	{Name: "photos", Collection: photos.CollectionName},
}

var (
	errMissingBlob  = errors.New("blob store is required")
	errMissingStore = errors.New("collection store is required")
	fileNamePattern = regexp.MustCompile(`^([a-z]+)-backup-(.+)\.json$`)
)

// FileName returns the snapshot object name for a data type and group.
func FileName(dataType, group string) string {
	return fmt.Sprintf("%s-backup-%s.json", dataType, group)
}

// TypeResult is the outcome of one data type within an operation.
type TypeResult struct {
	DataType  string `json:"dataType"`
	Success   bool   `json:"success"`
	FileName  string `json:"fileName,omitempty"`
	ItemCount int    `json:"itemCount"`
	Error     string `json:"error,omitempty"`
}

// CreateResult reports a backup run.
type CreateResult struct {
	BackupGroup string       `json:"backupGroup"`
	Timestamp   string       `json:"timestamp"`
	CreatedBy   string       `json:"createdBy"`
	Results     []TypeResult `json:"results"`
}

// RestoreResult reports a restore run.
type RestoreResult struct {
	BackupGroup string       `json:"backupGroup"`
	Results     []TypeResult `json:"results"`
}

// FileSummary describes one snapshot object.
type FileSummary struct {
	DataType  string `json:"dataType"`
	FileName  string `json:"fileName"`
	ItemCount int    `json:"itemCount"`
	Size      int64  `json:"size"`
}

// Summary groups the snapshots taken together.
type Summary struct {
	BackupGroup string        `json:"backupGroup"`
	Timestamp   string        `json:"timestamp"`
	CreatedBy   string        `json:"createdBy"`
	TotalItems  int           `json:"totalItems"`
	Files       []FileSummary `json:"files"`

	createdAt time.Time
}

// DeleteResult lists the objects removed for a group.
type DeleteResult struct {
	BackupGroup string   `json:"backupGroup"`
	Deleted     []string `json:"deleted"`
}

// PurgeResult lists the expired scheduled snapshots that were removed.
type PurgeResult struct {
	Deleted []string `json:"deleted"`
	Errors  []string `json:"errors,omitempty"`
}

// Download is a snapshot payload ready to be sent to a client.
type Download struct {
	FileName string
	Body     []byte
}

// Config describes the collaborators of Manager.
type Config struct {
	Blob   blob.Store
	Store  *store.Store
	Clock  func() time.Time
	Logger *zap.Logger
}

// Manager creates, lists, restores and purges snapshots.
type Manager struct {
	blob   blob.Store
	store  *store.Store
	clock  func() time.Time
	logger *zap.Logger
}

// NewManager constructs a Manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Blob == nil {
		return nil, errMissingBlob
	}
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{blob: cfg.Blob, store: cfg.Store, clock: clock, logger: logger}, nil
}

// Create snapshots every tracked collection under one backup group. A
// failing data type is reported in its result and does not stop the others.
// The call only fails when no data type could be backed up.
func (m *Manager) Create(ctx context.Context, createdBy string) (CreateResult, error) {
	createdBy = strings.TrimSpace(createdBy)
	if createdBy == "" {
		createdBy = "manual"
	}
	now := m.clock().UTC()
	group := strconv.FormatInt(now.UnixMilli(), 10)
	timestamp := now.Format(time.RFC3339Nano)

	result := CreateResult{BackupGroup: group, Timestamp: timestamp, CreatedBy: createdBy, Results: make([]TypeResult, 0, len(TrackedTypes))}
	var firstErr error
	for _, dataType := range TrackedTypes {
		typeResult, err := m.snapshot(ctx, dataType, group, createdBy, timestamp)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			m.logError(opCreate, "snapshot_failed", err, zap.String("data_type", dataType.Name), zap.String("backup_group", group))
		}
		result.Results = append(result.Results, typeResult)
	}

	if succeeded(result.Results) == 0 {
		return result, firstErr
	}
	m.logger.Info("backup created",
		zap.String("backup_group", group),
		zap.String("created_by", createdBy),
		zap.Int("succeeded", succeeded(result.Results)),
		zap.Int("tracked", len(TrackedTypes)),
	)
	return result, nil
}

func (m *Manager) snapshot(ctx context.Context, dataType DataType, group, createdBy, timestamp string) (TypeResult, error) {
	fileName := FileName(dataType.Name, group)
	result := TypeResult{DataType: dataType.Name, FileName: fileName}

	document, err := m.store.Load(ctx, dataType.Collection)
	if err != nil {
		result.Error = apperr.PublicMessage(err)
		return result, err
	}
	body, err := store.EncodeDocument(document.Records)
	if err != nil {
		result.Error = err.Error()
		return result, apperr.Internal(opCreate+".encode_failed", "failed to encode snapshot", err)
	}
	metadata := map[string]string{
		metaGroup:     group,
		metaDataType:  dataType.Name,
		metaItemCount: strconv.Itoa(len(document.Records)),
		metaCreatedBy: createdBy,
		metaTimestamp: timestamp,
	}
	if _, err := m.blob.Put(ctx, Container, fileName, body, blob.PutOptions{ContentType: contentTypeJSON, Metadata: metadata, IfNoneMatch: true}); err != nil {
		wrapped := m.storageError(opCreate, err)
		result.Error = apperr.PublicMessage(wrapped)
		return result, wrapped
	}
	result.Success = true
	result.ItemCount = len(document.Records)
	return result, nil
}

// Restore overwrites live collections with the snapshots of group. An empty
// dataTypes restores every tracked type. A missing snapshot is reported per type.
func (m *Manager) Restore(ctx context.Context, group string, dataTypes []string) (RestoreResult, error) {
	group = strings.TrimSpace(group)
	if group == "" {
		return RestoreResult{}, apperr.Validation(opRestore+".missing_group", "backupGroup is required")
	}
	selected, err := selectTypes(dataTypes)
	if err != nil {
		return RestoreResult{}, err
	}

	result := RestoreResult{BackupGroup: group, Results: make([]TypeResult, 0, len(selected))}
	for _, dataType := range selected {
		typeResult := TypeResult{DataType: dataType.Name, FileName: FileName(dataType.Name, group)}
		object, err := m.blob.Get(ctx, Container, typeResult.FileName)
		if err != nil {
			if errors.Is(err, blob.ErrNotFound) {
				typeResult.Error = "backup file not found"
			} else {
				typeResult.Error = apperr.PublicMessage(m.storageError(opRestore, err))
			}
			result.Results = append(result.Results, typeResult)
			continue
		}
		items, err := store.DecodeDocument(object.Body)
		if err != nil {
			typeResult.Error = "backup file is not a JSON collection"
			result.Results = append(result.Results, typeResult)
			continue
		}
		if _, err := m.store.Save(ctx, dataType.Collection, items); err != nil {
			typeResult.Error = apperr.PublicMessage(err)
			result.Results = append(result.Results, typeResult)
			continue
		}
		typeResult.Success = true
		typeResult.ItemCount = len(items)
		result.Results = append(result.Results, typeResult)
	}

	m.logger.Info("backup restored",
		zap.String("backup_group", group),
		zap.Int("succeeded", succeeded(result.Results)),
		zap.Int("requested", len(selected)),
	)
	return result, nil
}

// List groups snapshot objects by backup group, newest first.
func (m *Manager) List(ctx context.Context) ([]Summary, error) {
	objects, err := m.blob.List(ctx, Container)
	if err != nil {
		return nil, m.storageError(opList, err)
	}

	byGroup := map[string]*Summary{}
	for _, object := range objects {
		dataType, group, ok := describe(object)
		if !ok {
			continue
		}
		summary, exists := byGroup[group]
		if !exists {
			summary = &Summary{BackupGroup: group, Files: []FileSummary{}}
			byGroup[group] = summary
		}
		itemCount, _ := strconv.Atoi(object.Metadata[metaItemCount])
		summary.Files = append(summary.Files, FileSummary{DataType: dataType, FileName: object.Key, ItemCount: itemCount, Size: object.Size})
		summary.TotalItems += itemCount
		if createdBy := object.Metadata[metaCreatedBy]; createdBy != "" {
			summary.CreatedBy = createdBy
		}
		if createdAt := createdAtOf(object, group); createdAt.After(summary.createdAt) {
			summary.createdAt = createdAt
		}
	}

	summaries := make([]Summary, 0, len(byGroup))
	for _, summary := range byGroup {
		summary.Timestamp = summary.createdAt.UTC().Format(time.RFC3339Nano)
		sort.Slice(summary.Files, func(i, j int) bool { return summary.Files[i].FileName < summary.Files[j].FileName })
		summaries = append(summaries, *summary)
	}
	sort.Slice(summaries, func(i, j int) bool {
		if summaries[i].createdAt.Equal(summaries[j].createdAt) {
			return summaries[i].BackupGroup > summaries[j].BackupGroup
		}
		return summaries[i].createdAt.After(summaries[j].createdAt)
	})
	return summaries, nil
}

// Delete removes every snapshot of group.
func (m *Manager) Delete(ctx context.Context, group string) (DeleteResult, error) {
	group = strings.TrimSpace(group)
	if group == "" {
		return DeleteResult{}, apperr.Validation(opDelete+".missing_group", "backupGroup is required")
	}
	objects, err := m.blob.List(ctx, Container)
	if err != nil {
		return DeleteResult{}, m.storageError(opDelete, err)
	}

	result := DeleteResult{BackupGroup: group, Deleted: []string{}}
	for _, object := range objects {
		_, objectGroup, ok := describe(object)
		if !ok || objectGroup != group {
			continue
		}
		if err := m.blob.Delete(ctx, Container, object.Key); err != nil && !errors.Is(err, blob.ErrNotFound) {
			return result, m.storageError(opDelete, err)
		}
		result.Deleted = append(result.Deleted, object.Key)
	}
	if len(result.Deleted) == 0 {
		return result, apperr.NotFound(opDelete+".not_found", "backup group not found")
	}
	m.logger.Info("backup deleted", zap.String("backup_group", group), zap.Int("files", len(result.Deleted)))
	return result, nil
}

// Download returns the snapshot of one data type, or every snapshot of the
// group combined into one object keyed by data type when dataType is empty.
func (m *Manager) Download(ctx context.Context, group, dataType string) (Download, error) {
	group = strings.TrimSpace(group)
	if group == "" {
		return Download{}, apperr.Validation(opDownload+".missing_group", "backupGroup is required")
	}
	if strings.TrimSpace(dataType) != "" {
		selected, err := selectTypes([]string{dataType})
		if err != nil {
			return Download{}, err
		}
		fileName := FileName(selected[0].Name, group)
		object, err := m.blob.Get(ctx, Container, fileName)
		if err != nil {
			if errors.Is(err, blob.ErrNotFound) {
				return Download{}, apperr.NotFound(opDownload+".not_found", "backup file not found")
			}
			return Download{}, m.storageError(opDownload, err)
		}
		return Download{FileName: fileName, Body: object.Body}, nil
	}

	combined := map[string]json.RawMessage{}
	for _, tracked := range TrackedTypes {
		object, err := m.blob.Get(ctx, Container, FileName(tracked.Name, group))
		if errors.Is(err, blob.ErrNotFound) {
			continue
		}
		if err != nil {
			return Download{}, m.storageError(opDownload, err)
		}
		items, err := store.DecodeDocument(object.Body)
		if err != nil {
			return Download{}, apperr.Internal(opDownload+".decode_failed", "backup file is not a JSON collection", err)
		}
		encoded, err := json.Marshal(items)
		if err != nil {
			return Download{}, apperr.Internal(opDownload+".encode_failed", "failed to encode backup", err)
		}
		combined[tracked.Name] = encoded
	}
	if len(combined) == 0 {
		return Download{}, apperr.NotFound(opDownload+".not_found", "backup group not found")
	}
	body, err := json.MarshalIndent(map[string]any{"backupGroup": group, "data": combined}, "", "  ")
	if err != nil {
		return Download{}, apperr.Internal(opDownload+".encode_failed", "failed to encode backup", err)
	}
	return Download{FileName: fmt.Sprintf("backup-%s.json", group), Body: body}, nil
}

// PurgeExpired deletes scheduled snapshots older than retention. Snapshots
// created by anyone else are never touched.
func (m *Manager) PurgeExpired(ctx context.Context, retention time.Duration) (PurgeResult, error) {
	if retention <= 0 {
		retention = DefaultRetention
	}
	objects, err := m.blob.List(ctx, Container)
	if err != nil {
		return PurgeResult{}, m.storageError(opPurge, err)
	}

	cutoff := m.clock().UTC().Add(-retention)
	result := PurgeResult{Deleted: []string{}}
	for _, object := range objects {
		if object.Metadata[metaCreatedBy] != ScheduledCreator {
			continue
		}
		_, group, ok := describe(object)
		if !ok || !createdAtOf(object, group).Before(cutoff) {
			continue
		}
		if err := m.blob.Delete(ctx, Container, object.Key); err != nil && !errors.Is(err, blob.ErrNotFound) {
			m.logError(opPurge, "delete_failed", err, zap.String("file", object.Key))
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", object.Key, err))
			continue
		}
		result.Deleted = append(result.Deleted, object.Key)
	}
	if len(result.Deleted) > 0 {
		m.logger.Info("expired backups purged", zap.Int("files", len(result.Deleted)), zap.Duration("retention", retention))
	}
	return result, nil
}

func (m *Manager) storageError(operation string, err error) error {
	if errors.Is(err, blob.ErrNotConfigured) {
		return apperr.Configuration(operation+".not_configured", "storage is not configured", err)
	}
	return apperr.Internal(operation+".backend_failed", "backup storage operation failed", err)
}

func (m *Manager) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	m.logger.Error("backup error", attrs...)
}

func selectTypes(names []string) ([]DataType, error) {
	if len(names) == 0 {
		return TrackedTypes, nil
	}
	selected := make([]DataType, 0, len(names))
	for _, name := range names {
		normalized := strings.ToLower(strings.TrimSpace(name))
		found := false
		for _, tracked := range TrackedTypes {
			if tracked.Name == normalized {
				selected = append(selected, tracked)
				found = true
				break
			}
		}
		if !found {
			return nil, apperr.Validation("backups.data_type.unknown", fmt.Sprintf("unknown data type %q", name))
		}
	}
	return selected, nil
}

// describe reads the data type and group of a snapshot from its metadata,
// falling back to the file name.
func describe(object blob.ObjectInfo) (string, string, bool) {
	dataType := object.Metadata[metaDataType]
	group := object.Metadata[metaGroup]
	if dataType != "" && group != "" {
		return dataType, group, true
	}
	match := fileNamePattern.FindStringSubmatch(object.Key)
	if match == nil {
		return "", "", false
	}
	return match[1], match[2], true
}

func createdAtOf(object blob.ObjectInfo, group string) time.Time {
	if stamp := object.Metadata[metaTimestamp]; stamp != "" {
		if parsed, err := time.Parse(time.RFC3339Nano, stamp); err == nil {
			return parsed
		}
	}
	if millis, err := strconv.ParseInt(group, 10, 64); err == nil {
		return time.UnixMilli(millis).UTC()
	}
	return object.LastModified
}

func succeeded(results []TypeResult) int {
	count := 0
	for _, result := range results {
		if result.Success {
			count++
		}
	}
	return count
}
