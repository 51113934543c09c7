//go:build ignore

package main

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"time"

	"github.com/aditya/tow-dispatch/internal/cache"
	"github.com/aditya/tow-dispatch/internal/config"
	"github.com/aditya/tow-dispatch/internal/database"
	"github.com/aditya/tow-dispatch/internal/models"
	"github.com/aditya/tow-dispatch/internal/repository"
)

// Bangalore coordinates
const (
	baseLat = 12.9716
	baseLng = 77.5946
)

var landmarks = []string{"MG Road", "Indiranagar", "Koramangala", "Whitefield", "Jayanagar",
	"Hebbal", "Yelahanka", "Electronic City", "Marathahalli", "Malleshwaram"}

func main() {
	rand.Seed(time.Now().UnixNano())

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	db, err := database.NewPostgres(cfg.DatabaseURL, cfg.DBMaxConnections, cfg.DBMaxIdleConnections)
	if err != nil {
		log.Fatalf("Failed to connect to PostgreSQL: %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	if err := db.Migrate(ctx); err != nil {
		log.Fatalf("Failed to migrate: %v", err)
	}

	jobRepo := repository.NewJobRepository(db.DB)
	presenceRepo := repository.NewPresenceRepository(db.DB)

	var driverCache cache.DriverLocationCache
	if cfg.RedisURL != "" {
		redis, err := database.NewRedis(cfg.RedisURL, cfg.RedisPassword)
		if err != nil {
			log.Fatalf("Failed to connect to Redis: %v", err)
		}
		defer redis.Close()
		driverCache = cache.NewDriverLocationCache(redis.Client)
	}

	now := time.Now().UTC().Truncate(time.Microsecond)

	// Drivers: roughly half online with a position
	log.Println("Seeding 100 drivers...")
	driverIDs := make([]string, 0, 100)
	online := 0
	for i := 0; i < 100; i++ {
		driverID := fmt.Sprintf("truck-%03d", i+1)
		driverIDs = append(driverIDs, driverID)

		isOnline := rand.Float64() > 0.5
		if _, err := presenceRepo.SetOnline(ctx, driverID, isOnline, now); err != nil {
			log.Printf("Failed to set presence for %s: %v", driverID, err)
			continue
		}
		if !isOnline {
			continue
		}
		online++

		lat := baseLat + (rand.Float64()-0.5)*0.1 // +/- 0.05 degrees (~5km)
		lng := baseLng + (rand.Float64()-0.5)*0.1
		if _, err := presenceRepo.UpdateLocation(ctx, driverID, lat, lng, now); err != nil {
			log.Printf("Failed to update location for %s: %v", driverID, err)
			continue
		}
		if driverCache != nil {
			driverCache.SetOnline(ctx, driverID, true)
			driverCache.UpdateLocation(ctx, driverID, lat, lng)
		}
	}
	log.Printf("Seeded %d drivers (%d online)", len(driverIDs), online)

	// Pending jobs
	log.Println("Creating 30 pending jobs...")
	jobIDs := make([]string, 0, 30)
	for i := 0; i < 30; i++ {
		source := models.JobSourceApp
		if rand.Float64() < 0.3 {
			source = models.JobSourceManual
		}
		job := &models.Job{
			PickupLat:      baseLat + (rand.Float64()-0.5)*0.1,
			PickupLng:      baseLng + (rand.Float64()-0.5)*0.1,
			PickupAddress:  landmarks[rand.Intn(len(landmarks))],
			DropoffLat:     baseLat + (rand.Float64()-0.5)*0.2,
			DropoffLng:     baseLng + (rand.Float64()-0.5)*0.2,
			DropoffAddress: landmarks[rand.Intn(len(landmarks))] + " service centre",
			Source:         source,
		}
		if err := jobRepo.Create(ctx, job); err != nil {
			log.Printf("Failed to create job: %v", err)
			continue
		}
		jobIDs = append(jobIDs, job.ID)
	}
	log.Printf("Created %d jobs", len(jobIDs))

	// Summary
	log.Println("\n=== Seed Data Summary ===")
	log.Printf("Drivers seeded: %d", len(driverIDs))
	log.Printf("Jobs created: %d", len(jobIDs))
	if len(jobIDs) > 0 {
		log.Println("\nSample Job ID:", jobIDs[0])
	}
	log.Println("Sample Driver ID:", driverIDs[0])
}
