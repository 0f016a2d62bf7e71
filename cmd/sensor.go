package cmd

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/tozahudud/patrol/core/model"
	"github.com/tozahudud/patrol/infra/logger"
	"github.com/tozahudud/patrol/infra/mqtt"
)

var (
	sensorBin      string
	sensorDistance float64
	sensorHTTP     string
)

var sensorCmd = &cobra.Command{
	Use:   "sensor",
	Short: "Inject a bin sensor reading",
	Long:  "Publishes a distance reading over MQTT, or posts it to a running service with --http.",
	RunE:  runSensor,
}

func init() {
	sensorCmd.Flags().StringVar(&sensorBin, "bin", "", "bin id")
	sensorCmd.Flags().Float64Var(&sensorDistance, "distance", 10, "lid to waste distance in cm")
	sensorCmd.Flags().StringVar(&sensorHTTP, "http", "", "base URL of a running service, e.g. http://localhost:8080")
	_ = sensorCmd.MarkFlagRequired("bin")
	rootCmd.AddCommand(sensorCmd)
}

func runSensor(cmd *cobra.Command, _ []string) error {
	r := model.SensorReading{BinID: sensorBin, DistanceCm: sensorDistance, Timestamp: time.Now().UTC()}
	if sensorHTTP != "" {
		return postReading(sensorHTTP, r)
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cfg.MQTT.Broker == "" {
		return errors.New("no mqtt broker configured; use --http")
	}
	mqttCfg := cfg.MQTT
	mqttCfg.ClientID += "-sensor"
	client, err := mqtt.NewPahoClient(mqttCfg, logger.New("sensor-command"))
	if err != nil {
		return fmt.Errorf("mqtt client: %w", err)
	}
	defer client.Disconnect()
	if err := client.PublishReading(r); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "published %.1fcm for %s on %s\n", r.DistanceCm, r.BinID, client.SensorTopicFor(r.BinID))
	return nil
}

func postReading(base string, r model.SensorReading) error {
	body, err := json.Marshal(r)
	if err != nil {
		return err
	}
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Post(strings.TrimRight(base, "/")+"/api/sensors", "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("sensor rejected: %s", resp.Status)
	}
	return nil
}
