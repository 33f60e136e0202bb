package agentloop

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// RunRecord is the persisted summary of one finished run.
type RunRecord struct {
	ID           string `gorm:"primaryKey"`
	Reason       string
	Turns        int
	InputTokens  int64
	OutputTokens int64
	CreatedAt    time.Time
}

// MessageRecord is one conversation message belonging to a run. Parts are
// stored as their JSON encoding so the schema survives new part kinds.
type MessageRecord struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	RunID     string `gorm:"index"`
	Seq       int
	Role      string
	Parts     string
	CreatedAt time.Time
}

// Store persists finished runs and their conversations.
type Store interface {
	// SaveRun stores the run summary and the full conversation transcript.
	SaveRun(ctx context.Context, runID string, result *RunResult, conversation *Conversation) error

	// LoadConversation rebuilds a run's conversation in message order.
	LoadConversation(ctx context.Context, runID string) (*Conversation, error)

	// ListRuns returns run summaries, newest first.
	ListRuns(ctx context.Context, limit, offset int) ([]RunRecord, error)

	Close() error
}

var _ Store = &PostgresStore{}

// PostgresStore implements Store on PostgreSQL.
type PostgresStore struct {
	db *gorm.DB
}

// NewPostgresStore opens a connection and migrates the schema.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}
	if err := db.AutoMigrate(&RunRecord{}, &MessageRecord{}); err != nil {
		return nil, fmt.Errorf("migrating schema: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) SaveRun(ctx context.Context, runID string, result *RunResult, conversation *Conversation) error {
	records, err := messageRecords(runID, conversation)
	if err != nil {
		return err
	}
	run := RunRecord{
		ID:           runID,
		Reason:       string(result.Reason),
		Turns:        result.Turns,
		InputTokens:  result.Usage.InputTokens,
		OutputTokens: result.Usage.OutputTokens,
		CreatedAt:    time.Now(),
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&run).Error; err != nil {
			return fmt.Errorf("saving run: %w", err)
		}
		if len(records) == 0 {
			return nil
		}
		if err := tx.Create(&records).Error; err != nil {
			return fmt.Errorf("saving messages: %w", err)
		}
		return nil
	})
}

func (s *PostgresStore) LoadConversation(ctx context.Context, runID string) (*Conversation, error) {
	var records []MessageRecord
	err := s.db.WithContext(ctx).
		Where("run_id = ?", runID).
		Order("seq").
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("loading messages: %w", err)
	}
	return conversationFromRecords(records)
}

func (s *PostgresStore) ListRuns(ctx context.Context, limit, offset int) ([]RunRecord, error) {
	var runs []RunRecord
	err := s.db.WithContext(ctx).
		Order("created_at DESC").
		Limit(limit).
		Offset(offset).
		Find(&runs).Error
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	return runs, nil
}

func (s *PostgresStore) Close() error {
	db, err := s.db.DB()
	if err != nil {
		return err
	}
	return db.Close()
}

func messageRecords(runID string, conversation *Conversation) ([]MessageRecord, error) {
	now := time.Now()
	var records []MessageRecord
	for i, message := range conversation.All() {
		parts, err := json.Marshal(message.Parts)
		if err != nil {
			return nil, fmt.Errorf("encoding message %d: %w", i, err)
		}
		records = append(records, MessageRecord{
			RunID:     runID,
			Seq:       i,
			Role:      string(message.Role),
			Parts:     string(parts),
			CreatedAt: now,
		})
	}
	return records, nil
}

func conversationFromRecords(records []MessageRecord) (*Conversation, error) {
	conversation := NewConversation()
	for _, record := range records {
		var parts []Part
		if err := json.Unmarshal([]byte(record.Parts), &parts); err != nil {
			return nil, fmt.Errorf("decoding message %d: %w", record.Seq, err)
		}
		conversation.Add(Message{Role: Role(record.Role), Parts: parts})
	}
	return conversation, nil
}
