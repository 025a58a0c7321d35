package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/desh0cc/psychopass/internal/config"
	"github.com/desh0cc/psychopass/internal/database"
	"github.com/desh0cc/psychopass/internal/enrich"
	"github.com/desh0cc/psychopass/internal/models"
	"github.com/desh0cc/psychopass/internal/parser"
	"github.com/desh0cc/psychopass/internal/result"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// VectorMemory receives the vectors computed during enrichment
type VectorMemory interface {
	AddText(ctx context.Context, msgs []models.Message, vectors [][]float32) error
	AddImages(ctx context.Context, msgs []models.Message, vectors [][]float32) error
}

// Progress is emitted once per enrichment sub-batch
type Progress struct {
	CurrentFile string `json:"current_file"`
	Progress    int    `json:"progress"`
	MaxProgress int    `json:"max_progress"`
}

// ProgressFunc observes ingest progress; it may be nil
type ProgressFunc func(Progress)

// IngestInput is one parsed export
type IngestInput struct {
	Platform string
	Source   string
	Messages []parser.Message
	Chats    []parser.Chat
}

// IngestReport summarizes an ingest call
type IngestReport struct {
	Platform       string           `json:"platform"`
	Source         string           `json:"source,omitempty"`
	Chats          int              `json:"chats"`
	Received       int              `json:"received"`
	Inserted       int              `json:"inserted"`
	Existing       int              `json:"existing"`
	Dropped        int              `json:"dropped"`
	MediaCached    int              `json:"media_cached"`
	MediaFailed    int              `json:"media_failed"`
	Enriched       int              `json:"enriched"`
	Unscorable     int              `json:"unscorable"`
	Batches        int              `json:"batches"`
	FailedBatches  int              `json:"failed_batches"`
	// SkippedBatches were never started because the context was cancelled
	SkippedBatches int              `json:"skipped_batches"`
	Failures       []result.Failure `json:"failures,omitempty"`
	Stats          *models.Stats    `json:"stats,omitempty"`
}

// IngestDeps are the collaborators of the ingest pipeline. Embedder,
// Classifier and Memory may be nil, which disables the matching stage.
type IngestDeps struct {
	Identity   *IdentityService
	Chats      *ChatService
	Stats      *StatsService
	Cache      MediaCache
	Parsers    *parser.Registry
	Embedder   enrich.Embedder
	Classifier enrich.Classifier
	Memory     VectorMemory
}

// IngestService writes parsed exports into the store and enriches them
type IngestService struct {
	db        *gorm.DB
	deps      IngestDeps
	batchSize int
	workers   int
	log       *zap.Logger
}

// NewIngestService creates a new ingest service
func NewIngestService(db *gorm.DB, deps IngestDeps, cfg config.EnrichmentConfig, log *zap.Logger) *IngestService {
	batchSize, workers := cfg.BatchSize, cfg.Workers
	if batchSize <= 0 {
		batchSize = 16
	}
	if workers <= 0 {
		workers = 1
	}
	return &IngestService{db: db, deps: deps, batchSize: batchSize, workers: workers, log: log}
}

// persisted is one stored message with its attachment locators
type persisted struct {
	row      models.Message
	inserted bool
	media    []parser.Media
}

type replyKey struct {
	canon      string
	platformID string
}

// AnalyzeExport parses the export at path and ingests it
func (s *IngestService) AnalyzeExport(ctx context.Context, platform, path string, progress ProgressFunc) result.Result[IngestReport] {
	const op = "ingest.parse"
	if s.deps.Parsers == nil {
		return result.Fail[IngestReport](result.Errorf(result.Fatal, op, "no parsers configured"))
	}

	msgs, chats, err := s.deps.Parsers.Parse(platform, path)
	if err != nil {
		return result.Fail[IngestReport](result.Wrap(result.Invalid, op, err))
	}
	return s.Ingest(ctx, IngestInput{Platform: platform, Source: path, Messages: msgs, Chats: chats}, progress)
}

// Ingest persists in, caches its media and enriches the new messages. Only
// the write step is all-or-nothing; enrichment failures are reported per
// sub-batch in the report.
func (s *IngestService) Ingest(ctx context.Context, in IngestInput, progress ProgressFunc) result.Result[IngestReport] {
	report := IngestReport{Platform: in.Platform, Source: in.Source, Received: len(in.Messages)}

	rows, avatars, err := s.persist(ctx, in, &report)
	if err != nil {
		return result.Fail[IngestReport](classifyWriteError(err))
	}

	images := s.cacheMedia(ctx, rows, avatars, &report)

	if s.deps.Embedder != nil && s.deps.Classifier != nil {
		s.enrich(ctx, in.Source, rows, images, progress, &report)
	}

	if s.deps.Stats != nil {
		stats, err := s.deps.Stats.Refresh(ctx)
		if err != nil {
			s.log.Warn("Failed to refresh stats", zap.Error(err))
		}
		report.Stats = stats
	}

	s.log.Info("Ingest completed",
		zap.String("platform", in.Platform),
		zap.String("source", in.Source),
		zap.Int("received", report.Received),
		zap.Int("inserted", report.Inserted),
		zap.Int("existing", report.Existing),
		zap.Int("enriched", report.Enriched),
		zap.Int("failed_batches", report.FailedBatches),
	)
	return result.Ok(report)
}

func classifyWriteError(err error) *result.Failure {
	var f *result.Failure
	if errors.As(err, &f) {
		return f
	}
	if database.IsForeignKeyViolation(err) {
		return result.Wrap(result.Integrity, "ingest.write", err)
	}
	return result.Wrap(result.Fatal, "ingest.write", err)
}

// persist runs the write step in one transaction: chats, reply index,
// profiles and messages. It returns the stored rows in input order and the
// avatar locator first seen for each profile.
func (s *IngestService) persist(ctx context.Context, in IngestInput, report *IngestReport) ([]persisted, map[uint]string, error) {
	var rows []persisted
	var avatars map[uint]string

	err := transact(ctx, s.db, func(tx *gorm.DB) error {
		rows = make([]persisted, 0, len(in.Messages))
		avatars = make(map[uint]string)
		report.Inserted, report.Existing, report.Dropped = 0, 0, 0

		chatIDs := make(map[string]uint, len(in.Chats))
		for _, chat := range in.Chats {
			canon := CanonID(chat)
			if _, ok := chatIDs[canon]; ok {
				continue
			}
			id, err := s.deps.Chats.GetOrCreate(tx, chat)
			if err != nil {
				return err
			}
			chatIDs[canon] = id
		}

		replies, err := buildReplyIndex(tx, chatIDs)
		if err != nil {
			return err
		}

		resolver := s.deps.Identity.NewResolver(tx)

		for i := range in.Messages {
			msg := &in.Messages[i]
			if msg.Chat == nil {
				return result.Errorf(result.Integrity, "ingest.write", "message %q has no chat reference", msg.PlatformID)
			}
			if msg.AuthorID == "" {
				s.log.Warn("Dropping message without author", zap.String("platform_id", msg.PlatformID))
				report.Dropped++
				continue
			}

			canon := CanonID(*msg.Chat)
			chatID, ok := chatIDs[canon]
			if !ok {
				id, err := s.deps.Chats.GetOrCreate(tx, *msg.Chat)
				if err != nil {
					return err
				}
				chatID, chatIDs[canon] = id, id
			}

			profileID, err := resolver.Resolve(in.Platform, msg.AuthorID, msg.AuthorName)
			if err != nil {
				return err
			}
			if msg.Avatar != "" {
				if _, seen := avatars[profileID]; !seen {
					avatars[profileID] = msg.Avatar
				}
			}

			replyTo, err := resolveReply(tx, replies, canon, chatID, msg.ReplyTo)
			if err != nil {
				return err
			}

			row, inserted, err := insertMessage(tx, models.Message{
				PlatformID: strPtr(msg.PlatformID),
				UserID:     profileID,
				ChatID:     chatID,
				Text:       msg.Text,
				Timestamp:  msg.Timestamp,
				ReplyTo:    replyTo,
			})
			if err != nil {
				return err
			}
			if inserted {
				report.Inserted++
			} else {
				report.Existing++
			}

			if msg.PlatformID != "" {
				replies[replyKey{canon, msg.PlatformID}] = row.ID
			}
			rows = append(rows, persisted{row: row, inserted: inserted, media: msg.Media})
		}

		report.Chats = len(chatIDs)
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return rows, avatars, nil
}

// buildReplyIndex maps (chat canon id, platform message id) to row ids for
// every message already stored in the touched chats.
func buildReplyIndex(tx *gorm.DB, chatIDs map[string]uint) (map[replyKey]uint, error) {
	index := make(map[replyKey]uint)
	for canon, chatID := range chatIDs {
		var existing []models.Message
		err := tx.Select("id", "platform_id").
			Where("chat_id = ? AND platform_id IS NOT NULL", chatID).
			Find(&existing).Error
		if err != nil {
			return nil, fmt.Errorf("failed to build reply index: %w", err)
		}
		for _, m := range existing {
			index[replyKey{canon, *m.PlatformID}] = m.ID
		}
	}
	return index, nil
}

// resolveReply looks the replied-to message up in the index, then in the store
func resolveReply(tx *gorm.DB, index map[replyKey]uint, canon string, chatID uint, platformID string) (*uint, error) {
	if platformID == "" {
		return nil, nil
	}
	if id, ok := index[replyKey{canon, platformID}]; ok {
		return &id, nil
	}

	var target models.Message
	err := tx.Select("id").Where("platform_id = ? AND chat_id = ?", platformID, chatID).Take(&target).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve reply: %w", err)
	}
	index[replyKey{canon, platformID}] = target.ID
	return &target.ID, nil
}

// insertMessage inserts row unless its natural key (chat_id, timestamp, text)
// already exists, in which case the stored row is returned.
func insertMessage(tx *gorm.DB, row models.Message) (models.Message, bool, error) {
	res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if res.Error != nil {
		return row, false, fmt.Errorf("failed to insert message: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		return row, true, nil
	}

	var existing models.Message
	err := tx.Where("chat_id = ? AND timestamp = ? AND text = ?", row.ChatID, row.Timestamp, row.Text).Take(&existing).Error
	if err != nil {
		return row, false, fmt.Errorf("failed to recover existing message: %w", err)
	}
	return existing, false, nil
}

type mediaRef struct {
	messageID uint
	mediaType string
	slot      int
	thumbSlot int
}

// cacheMedia copies attachments and new profile avatars into the media cache
// and records the cached paths. It returns, per message id, the local image
// to embed when the message has no text.
func (s *IngestService) cacheMedia(ctx context.Context, rows []persisted, avatars map[uint]string, report *IngestReport) map[uint]string {
	var locators []string
	var refs []mediaRef

	for _, p := range rows {
		for _, m := range p.media {
			ref := mediaRef{messageID: p.row.ID, mediaType: m.Type, slot: len(locators), thumbSlot: -1}
			locators = append(locators, m.Path)
			if m.Thumbnail != "" {
				ref.thumbSlot = len(locators)
				locators = append(locators, m.Thumbnail)
			}
			refs = append(refs, ref)
		}
	}

	avatarSlots := make(map[uint]int)
	if len(avatars) > 0 {
		missing, err := s.profilesWithoutAvatar(ctx, avatars)
		if err != nil {
			s.log.Warn("Failed to check profile avatars", zap.Error(err))
		}
		for _, profileID := range missing {
			avatarSlots[profileID] = len(locators)
			locators = append(locators, avatars[profileID])
		}
	}

	images := make(map[uint]string)
	if len(locators) == 0 {
		return images
	}

	s.log.Info("Caching media files", zap.Int("count", len(locators)))
	cached := s.deps.Cache.CacheBatch(ctx, locators)

	var toStore []models.Media
	for _, ref := range refs {
		path := cached[ref.slot]
		if path == "" {
			report.MediaFailed++
			s.log.Warn("Failed to cache media",
				zap.Uint("message_id", ref.messageID),
				zap.String("locator", locators[ref.slot]),
			)
		} else {
			report.MediaCached++
			toStore = append(toStore, models.Media{MessageID: ref.messageID, Type: ref.mediaType, Path: path})
		}

		if _, ok := images[ref.messageID]; ok {
			continue
		}
		if ref.mediaType == "photo" && path != "" {
			images[ref.messageID] = path
		} else if ref.thumbSlot >= 0 && cached[ref.thumbSlot] != "" {
			images[ref.messageID] = cached[ref.thumbSlot]
		}
	}

	err := transact(ctx, s.db, func(tx *gorm.DB) error {
		for _, m := range toStore {
			var count int64
			if err := tx.Model(&models.Media{}).Where("message_id = ? AND path = ?", m.MessageID, m.Path).Count(&count).Error; err != nil {
				return err
			}
			if count > 0 {
				continue
			}
			row := m
			if err := tx.Create(&row).Error; err != nil {
				return err
			}
		}
		for profileID, slot := range avatarSlots {
			if cached[slot] == "" {
				continue
			}
			err := tx.Model(&models.Profile{}).
				Where("id = ? AND (avatar IS NULL OR avatar = '')", profileID).
				Update("avatar", cached[slot]).Error
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		// Messages stay committed; a later ingest of the same export fills the gap
		s.log.Error("Failed to record cached media", zap.Error(err))
		report.Failures = append(report.Failures, *result.Wrap(result.Fatal, "ingest.media", err))
	}

	return images
}

func (s *IngestService) profilesWithoutAvatar(ctx context.Context, avatars map[uint]string) ([]uint, error) {
	ids := make([]uint, 0, len(avatars))
	for id := range avatars {
		ids = append(ids, id)
	}
	var missing []uint
	err := s.db.WithContext(ctx).Model(&models.Profile{}).
		Where("id IN ? AND (avatar IS NULL OR avatar = '')", ids).
		Order("id").
		Pluck("id", &missing).Error
	return missing, err
}

type enrichItem struct {
	msg   models.Message
	image string
}

// enrich labels unlabelled messages in sub-batches on a bounded worker pool.
// Each sub-batch commits its own emotion writes before its vectors are indexed.
func (s *IngestService) enrich(ctx context.Context, source string, rows []persisted, images map[uint]string, progress ProgressFunc, report *IngestReport) {
	var items []enrichItem
	seen := make(map[uint]bool)
	for _, p := range rows {
		if p.row.Emotion != nil || seen[p.row.ID] {
			continue
		}
		seen[p.row.ID] = true
		items = append(items, enrichItem{msg: p.row, image: images[p.row.ID]})
	}
	if len(items) == 0 {
		return
	}

	var batches [][]enrichItem
	for start := 0; start < len(items); start += s.batchSize {
		end := start + s.batchSize
		if end > len(items) {
			end = len(items)
		}
		batches = append(batches, items[start:end])
	}
	report.Batches = len(batches)

	var mu sync.Mutex
	completed := 0

	var g errgroup.Group
	g.SetLimit(s.workers)
	for i, batch := range batches {
		if ctx.Err() != nil {
			s.log.Warn("Enrichment cancelled", zap.Int("scheduled", i), zap.Int("total", len(batches)))
			mu.Lock()
			report.SkippedBatches += len(batches) - i
			mu.Unlock()
			break
		}
		i, batch := i, batch
		g.Go(func() error {
			// The slot may open only after cancellation
			if ctx.Err() != nil {
				mu.Lock()
				report.SkippedBatches++
				mu.Unlock()
				return nil
			}
			enriched, unscorable, err := s.enrichBatch(ctx, batch)

			mu.Lock()
			defer mu.Unlock()
			report.Enriched += enriched
			report.Unscorable += unscorable
			if err != nil {
				report.FailedBatches++
				report.Failures = append(report.Failures, *result.Wrap(result.ExternalIO, fmt.Sprintf("ingest.enrich[%d]", i), err))
				s.log.Error("Enrichment batch failed", zap.Int("batch", i), zap.Int("size", len(batch)), zap.Error(err))
			}
			completed++
			if progress != nil {
				progress(Progress{CurrentFile: source, Progress: completed, MaxProgress: len(batches)})
			}
			return nil
		})
	}
	_ = g.Wait()
}

// enrichBatch embeds, classifies, stores labels and indexes one sub-batch.
// Text takes priority over the image path; items with neither are skipped.
func (s *IngestService) enrichBatch(ctx context.Context, batch []enrichItem) (int, int, error) {
	var textMsgs, imageMsgs []models.Message
	var texts, paths []string
	unscorable := 0

	for _, it := range batch {
		switch {
		case strings.TrimSpace(it.msg.Text) != "":
			textMsgs = append(textMsgs, it.msg)
			texts = append(texts, it.msg.Text)
		case it.image != "":
			imageMsgs = append(imageMsgs, it.msg)
			paths = append(paths, it.image)
		default:
			unscorable++
		}
	}
	if len(textMsgs)+len(imageMsgs) == 0 {
		return 0, unscorable, nil
	}

	var textVecs, imageVecs [][]float32
	var err error
	if len(texts) > 0 {
		if textVecs, err = s.deps.Embedder.EmbedTexts(ctx, texts); err != nil {
			return 0, unscorable, fmt.Errorf("embed texts: %w", err)
		}
		if len(textVecs) != len(texts) {
			return 0, unscorable, fmt.Errorf("embed texts: got %d vectors for %d texts", len(textVecs), len(texts))
		}
	}
	if len(paths) > 0 {
		if imageVecs, err = s.deps.Embedder.EmbedImages(ctx, paths); err != nil {
			return 0, unscorable, fmt.Errorf("embed images: %w", err)
		}
		if len(imageVecs) != len(paths) {
			return 0, unscorable, fmt.Errorf("embed images: got %d vectors for %d paths", len(imageVecs), len(paths))
		}
	}

	// Unreadable images come back as nil vectors and drop out here
	var scored []models.Message
	var vectors [][]float32
	for i, m := range textMsgs {
		scored = append(scored, m)
		vectors = append(vectors, textVecs[i])
	}
	var indexedImages []models.Message
	var indexedImageVecs [][]float32
	for i, m := range imageMsgs {
		if len(imageVecs[i]) == 0 {
			unscorable++
			continue
		}
		scored = append(scored, m)
		vectors = append(vectors, imageVecs[i])
		indexedImages = append(indexedImages, m)
		indexedImageVecs = append(indexedImageVecs, imageVecs[i])
	}
	if len(scored) == 0 {
		return 0, unscorable, nil
	}

	labels, err := s.deps.Classifier.PredictBatch(ctx, vectors)
	if err != nil {
		return 0, unscorable, fmt.Errorf("classify: %w", err)
	}
	if len(labels) != len(scored) {
		return 0, unscorable, fmt.Errorf("classify: got %d labels for %d messages", len(labels), len(scored))
	}

	err = transact(ctx, s.db, func(tx *gorm.DB) error {
		for i, m := range scored {
			if err := tx.Model(&models.Message{}).Where("id = ?", m.ID).Update("emotion", labels[i]).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, unscorable, fmt.Errorf("store emotions: %w", err)
	}

	labelled := make(map[uint]string, len(scored))
	for i, m := range scored {
		labelled[m.ID] = labels[i]
	}
	withLabels := func(msgs []models.Message) []models.Message {
		out := make([]models.Message, len(msgs))
		for i, m := range msgs {
			label := labelled[m.ID]
			m.Emotion = &label
			out[i] = m
		}
		return out
	}

	if s.deps.Memory != nil {
		if err := s.deps.Memory.AddText(ctx, withLabels(textMsgs), textVecs); err != nil {
			return len(scored), unscorable, fmt.Errorf("index texts: %w", err)
		}
		if err := s.deps.Memory.AddImages(ctx, withLabels(indexedImages), indexedImageVecs); err != nil {
			return len(scored), unscorable, fmt.Errorf("index images: %w", err)
		}
	}

	return len(scored), unscorable, nil
}
