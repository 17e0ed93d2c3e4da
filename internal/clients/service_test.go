package clients

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/chronosync/internal/events"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type staticSequences map[events.ClientID]int64

func (s staticSequences) LastSequence(_ context.Context, clientID events.ClientID) (int64, error) {
	return s[clientID], nil
}

func TestResolveGeneratesAndPersistsClientID(testContext *testing.T) {
	service, database := mustService(testContext, staticSequences{})

	clientID, err := service.Resolve(context.Background(), "", "10.0.0.5")
	if err != nil {
		testContext.Fatalf("resolve failed: %v", err)
	}
	if clientID == "" {
		testContext.Fatalf("expected generated client id")
	}

	var stored Identity
	if err := database.Where("client_id = ?", clientID.String()).Take(&stored).Error; err != nil {
		testContext.Fatalf("expected identity to be stored: %v", err)
	}
	if stored.Host != "10.0.0.5" {
		testContext.Fatalf("unexpected host %q", stored.Host)
	}
}

func TestResolveKeepsRequestedIDStable(testContext *testing.T) {
	service, database := mustService(testContext, staticSequences{})

	for attempt := 0; attempt < 2; attempt++ {
		clientID, err := service.Resolve(context.Background(), "  desk-1 ", "host")
		if err != nil {
			testContext.Fatalf("resolve failed: %v", err)
		}
		if clientID != "desk-1" {
			testContext.Fatalf("expected trimmed client id, got %q", clientID)
		}
	}

	var count int64
	if err := database.Model(&Identity{}).Count(&count).Error; err != nil {
		testContext.Fatalf("count failed: %v", err)
	}
	if count != 1 {
		testContext.Fatalf("expected a single identity row, got %d", count)
	}
}

func TestNextSequenceStartsAboveClientRange(testContext *testing.T) {
	service, _ := mustService(testContext, staticSequences{"desk-1": 7})
	base := events.ServerSequenceBase

	first, err := service.NextSequence(context.Background(), "desk-1")
	if err != nil {
		testContext.Fatalf("next sequence failed: %v", err)
	}
	second, err := service.NextSequence(context.Background(), "desk-1")
	if err != nil {
		testContext.Fatalf("next sequence failed: %v", err)
	}
	if first != base || second != base+1 {
		testContext.Fatalf("expected %d then %d, got %d then %d", base, base+1, first, second)
	}

	service.Observe("desk-1", 8)
	third, _ := service.NextSequence(context.Background(), "desk-1")
	if third != base+2 {
		testContext.Fatalf("client-chosen numbers must not move the counter, got %d", third)
	}
}

func TestNextSequenceSeedsFromIssuedRange(testContext *testing.T) {
	base := events.ServerSequenceBase
	service, _ := mustService(testContext, staticSequences{"desk-2": base.Int64() + 4})

	first, err := service.NextSequence(context.Background(), "desk-2")
	if err != nil {
		testContext.Fatalf("next sequence failed: %v", err)
	}
	if first != base+5 {
		testContext.Fatalf("expected %d, got %d", base+5, first)
	}

	service.Observe("desk-2", base+20)
	second, _ := service.NextSequence(context.Background(), "desk-2")
	if second != base+21 {
		testContext.Fatalf("expected observed sequence to advance counter, got %d", second)
	}
}

func mustService(testContext *testing.T, sequences SequenceSource) (*Service, *gorm.DB) {
	testContext.Helper()
	name := strings.ReplaceAll(testContext.Name(), "/", "_")
	database, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name)), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := database.DB()
	if err != nil {
		testContext.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	testContext.Cleanup(func() { _ = sqlDB.Close() })
	if err := database.AutoMigrate(&Identity{}); err != nil {
		testContext.Fatalf("failed to migrate identity schema: %v", err)
	}
	service, err := NewService(ServiceConfig{
		Database:  database,
		Sequences: sequences,
		Clock: func() time.Time {
			return time.Unix(1, 0)
		},
	})
	if err != nil {
		testContext.Fatalf("failed to create service: %v", err)
	}
	return service, database
}
