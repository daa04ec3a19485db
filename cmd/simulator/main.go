package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math"
	"math/rand"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/fleetwatch/telemetry-pipeline/internal/protocol"
	"github.com/fleetwatch/telemetry-pipeline/internal/queue"
	"github.com/fleetwatch/telemetry-pipeline/pkg/config"
)

// Sample telemetry source that simulates a fleet of trucks driving around a
// city centre.

type vehicle struct {
	id       int64
	lat, lon float64
	heading  float64 // radians
	speed    float64 // km/h
	fuel     float64 // percent
	odometer float64 // km
}

func main() {
	vehicles := flag.Int("vehicles", 5, "number of simulated vehicles, ids starting at 1")
	interval := flag.Duration("interval", 5*time.Second, "time between readings of one vehicle")
	centerLat := flag.Float64("lat", -23.55, "latitude the fleet starts around")
	centerLon := flag.Float64("lon", -46.63, "longitude the fleet starts around")
	garbage := flag.Float64("garbage", 0, "fraction of malformed messages, for exercising the dead-letter path")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	fmt.Printf("Telemetry Simulator Starting...\n")
	fmt.Printf("Vehicles: %d around %.4f, %.4f\n", *vehicles, *centerLat, *centerLon)
	fmt.Printf("Brokers: %v | Topic: %s\n\n", cfg.Kafka.Brokers, cfg.Kafka.TopicRaw)

	producer := queue.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicRaw)
	defer producer.Close()

	fleet := make([]*vehicle, *vehicles)
	for i := range fleet {
		fleet[i] = &vehicle{
			id:       int64(i + 1),
			lat:      *centerLat + (rand.Float64()-0.5)*0.1,
			lon:      *centerLon + (rand.Float64()-0.5)*0.1,
			heading:  rand.Float64() * 2 * math.Pi,
			speed:    40 + rand.Float64()*40,
			fuel:     30 + rand.Float64()*70,
			odometer: rand.Float64() * 200000,
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	fmt.Println("✓ Simulator running (Ctrl+C to stop)")

	sent := 0
	for {
		for _, v := range fleet {
			v.step(*interval)
			if err := publish(ctx, producer, v, *garbage); err != nil {
				log.Printf("Failed to send reading for vehicle %d: %v", v.id, err)
				continue
			}
			sent++
		}
		fmt.Printf("→ Sent %d readings\n", sent)

		select {
		case <-ticker.C:
		case <-ctx.Done():
			fmt.Println("\nSimulator stopped")
			return
		}
	}
}

// step advances the vehicle by one interval of driving.
func (v *vehicle) step(d time.Duration) {
	v.heading += (rand.Float64() - 0.5) * 0.6
	v.speed = math.Max(0, v.speed+(rand.Float64()-0.5)*20)
	if rand.Float64() < 0.05 { // occasional lead foot
		v.speed = 115 + rand.Float64()*30
	}
	v.speed = math.Min(v.speed, 160)

	km := v.speed * d.Hours()
	v.odometer += km
	v.fuel = math.Max(0, v.fuel-km*0.05)
	if v.fuel < 5 && rand.Float64() < 0.1 {
		v.fuel = 100 // refuelled
	}

	const kmPerDegree = 111.0
	v.lat += km / kmPerDegree * math.Cos(v.heading)
	v.lon += km / (kmPerDegree * math.Cos(v.lat*math.Pi/180)) * math.Sin(v.heading)
}

func publish(ctx context.Context, producer *queue.Producer, v *vehicle, garbage float64) error {
	key := []byte(strconv.FormatInt(v.id, 10))

	if rand.Float64() < garbage {
		return producer.Publish(ctx, key, []byte(`{"vehicle_id":`+string(key)+`,"velocidade":"fast"}`))
	}

	fuel, odometer := roundFloat(v.fuel, 1), roundFloat(v.odometer, 1)
	data, err := protocol.EncodeTelemetry(&protocol.Telemetry{
		VehicleID: v.id,
		Latitude:  roundFloat(v.lat, 6),
		Longitude: roundFloat(v.lon, 6),
		Speed:     roundFloat(v.speed, 2),
		FuelLevel: &fuel,
		Odometer:  &odometer,
		Timestamp: time.Now(),
	})
	if err != nil {
		return err
	}
	return producer.Publish(ctx, key, data)
}

func roundFloat(val float64, precision int) float64 {
	ratio := math.Pow(10, float64(precision))
	return math.Round(val*ratio) / ratio
}
