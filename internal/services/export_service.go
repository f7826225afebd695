package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"bossdb_rag_go_backend/internal/models"

	"github.com/rs/zerolog/log"
)

type ExchangeContext struct {
	PreviousExchanges      int `json:"previous_exchanges"`
	PositionInConversation int `json:"position_in_conversation"`
}

type Exchange struct {
	ExchangeNumber int             `json:"exchange_number"`
	Timestamp      time.Time       `json:"timestamp"`
	Context        ExchangeContext `json:"context"`
	Question       string          `json:"question"`
	Answer         *string         `json:"answer"`
	HasFollowup    bool            `json:"has_followup"`
}

type ConversationMetrics struct {
	TotalExchanges int `json:"total_exchanges"`
	TotalMessages  int `json:"total_messages"`
	// ConversationDuration is in seconds and null while the thread is open.
	ConversationDuration *float64 `json:"conversation_duration"`
}

type ExportedConversation struct {
	ThreadID       uint                `json:"thread_id"`
	UserIdentifier string              `json:"user_identifier"`
	StartTime      time.Time           `json:"start_time"`
	EndTime        *time.Time          `json:"end_time"`
	Exchanges      []Exchange          `json:"exchanges"`
	TotalMessages  int                 `json:"total_messages"`
	Metrics        ConversationMetrics `json:"metrics"`
}

type ExportMetadata struct {
	StartDate          time.Time `json:"start_date"`
	EndDate            time.Time `json:"end_date"`
	TotalConversations int       `json:"total_conversations"`
	TotalExchanges     int       `json:"total_exchanges"`
	TotalMessages      int       `json:"total_messages"`
	ExportTime         time.Time `json:"export_time"`
}

type ConversationExport struct {
	Metadata      ExportMetadata         `json:"metadata"`
	Conversations []ExportedConversation `json:"conversations"`
}

type ExportService struct {
	chats ChatServiceDB
	store ObjectStore
	now   func() time.Time
}

// NewExportService builds the exporter; store may be nil when exports are
// only written locally.
func NewExportService(chats ChatServiceDB, store ObjectStore) *ExportService {
	return &ExportService{chats: chats, store: store, now: time.Now}
}

// ExportConversations collects every thread started in [start, end].
func (s *ExportService) ExportConversations(ctx context.Context, start, end time.Time) (*ConversationExport, error) {
	threads, err := s.chats.GetThreadsStartedBetween(ctx, start, end)
	if err != nil {
		return nil, err
	}

	export := &ConversationExport{
		Metadata: ExportMetadata{
			StartDate: start.UTC(),
			EndDate:   end.UTC(),
		},
		Conversations: make([]ExportedConversation, 0, len(threads)),
	}
	for _, thread := range threads {
		conv := exportThread(thread)
		export.Conversations = append(export.Conversations, conv)
		export.Metadata.TotalExchanges += conv.Metrics.TotalExchanges
		export.Metadata.TotalMessages += conv.Metrics.TotalMessages
	}
	export.Metadata.TotalConversations = len(export.Conversations)
	export.Metadata.ExportTime = s.now().UTC()
	return export, nil
}

// exportThread pairs each user message with the reply that follows it.
func exportThread(thread models.ChatThread) ExportedConversation {
	identifier := "unknown"
	if thread.User.UserIdentifier != "" {
		identifier = thread.User.UserIdentifier
	}

	conv := ExportedConversation{
		ThreadID:       thread.ID,
		UserIdentifier: identifier,
		StartTime:      thread.StartTime,
		EndTime:        thread.EndTime,
		Exchanges:      []Exchange{},
		TotalMessages:  len(thread.Messages),
	}

	var current *Exchange
	for i, msg := range thread.Messages {
		if msg.IsUser {
			if current != nil {
				conv.Exchanges = append(conv.Exchanges, *current)
			}
			current = &Exchange{
				ExchangeNumber: len(conv.Exchanges) + 1,
				Timestamp:      msg.Timestamp,
				Context: ExchangeContext{
					PreviousExchanges:      len(conv.Exchanges),
					PositionInConversation: i + 1,
				},
				Question: msg.Content,
			}
			continue
		}
		if current == nil {
			continue
		}
		answer := msg.Content
		current.Answer = &answer
		if i < len(thread.Messages)-1 && thread.Messages[i+1].IsUser {
			current.HasFollowup = true
		}
	}
	if current != nil {
		conv.Exchanges = append(conv.Exchanges, *current)
	}

	conv.Metrics = ConversationMetrics{
		TotalExchanges: len(conv.Exchanges),
		TotalMessages:  len(thread.Messages),
	}
	if thread.EndTime != nil {
		seconds := thread.EndTime.Sub(thread.StartTime).Seconds()
		conv.Metrics.ConversationDuration = &seconds
	}
	return conv
}

func WriteExportJSON(w io.Writer, export *ConversationExport) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	encoder.SetEscapeHTML(false)
	return encoder.Encode(export)
}

// SaveToFile writes the export as indented JSON to path.
func (s *ExportService) SaveToFile(export *ConversationExport, path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create export file: %w", err)
	}
	if err := WriteExportJSON(f, export); err != nil {
		f.Close()
		return fmt.Errorf("failed to write export: %w", err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	log.Info().Str("file", path).Int("conversations", export.Metadata.TotalConversations).Msg("Exported conversations")
	return nil
}

// Upload stores the export as gs://bucket/objectName.
func (s *ExportService) Upload(ctx context.Context, export *ConversationExport, bucket, objectName string) error {
	if s.store == nil {
		return fmt.Errorf("no object store configured")
	}
	var buf bytes.Buffer
	if err := WriteExportJSON(&buf, export); err != nil {
		return fmt.Errorf("failed to encode export: %w", err)
	}
	if err := s.store.UploadFile(ctx, bucket, objectName, "application/json", &buf); err != nil {
		return err
	}
	log.Info().Str("bucket", bucket).Str("object", objectName).Msg("Uploaded conversation export")
	return nil
}

// ExportSummary is the human readable report printed after an export.
func ExportSummary(export *ConversationExport) string {
	m := export.Metadata
	avg := 0.0
	if m.TotalConversations > 0 {
		avg = float64(m.TotalExchanges) / float64(m.TotalConversations)
	}
	return fmt.Sprintf("Export Summary:\nTotal Conversations: %d\nTotal Exchanges: %d\nTotal Messages: %d\nAverage Exchanges per Conversation: %.1f\n",
		m.TotalConversations, m.TotalExchanges, m.TotalMessages, avg)
}
