package main

import (
	"context"
	"flag"
	"log"
	"os"
	"strings"
	"time"

	"github.com/cyrilix/robocar-base/cli"
	"github.com/cyrilix/robocar-fleet/pkg/api"
	"github.com/cyrilix/robocar-fleet/pkg/events"
	"github.com/cyrilix/robocar-fleet/pkg/gateway"
	"github.com/cyrilix/robocar-fleet/pkg/metrics"
	"github.com/cyrilix/robocar-fleet/pkg/registry"
	"github.com/cyrilix/robocar-fleet/pkg/simulator"
	"github.com/cyrilix/robocar-fleet/pkg/vehicle"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

const DefaultClientId = "robocar-fleet"

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("unable to load .env file: %v", err)
	}

	var mqttBroker, username, password, clientId, topicPrefix string
	var simulatorAddress, httpAddress, staticDir, allowedOrigins string
	var dialAttempts, jpegQuality int
	var requestTimeout time.Duration
	var debug bool

	mqttQos := cli.InitIntFlag("MQTT_QOS", 0)
	_, mqttRetain := os.LookupEnv("MQTT_RETAIN")

	cli.InitMqttFlags(DefaultClientId, &mqttBroker, &username, &password, &clientId, &mqttQos, &mqttRetain)

	flag.StringVar(&topicPrefix, "events-topic-prefix", os.Getenv("MQTT_TOPIC_PREFIX"), "Mqtt topic prefix to publish robots events, events are disabled when empty, use MQTT_TOPIC_PREFIX if args not set")
	flag.StringVar(&simulatorAddress, "simulator-address", envOr("SIMULATOR_ADDRESS", "127.0.0.1:2000"), "Simulator address, use SIMULATOR_ADDRESS if args not set")
	flag.IntVar(&dialAttempts, "simulator-dial-attempts", gateway.DefaultDialAttempts, "Connection attempts before giving up on simulator")
	flag.DurationVar(&requestTimeout, "simulator-timeout", gateway.DefaultTimeout, "Simulator request timeout")
	flag.StringVar(&httpAddress, "http-address", envOr("HTTP_ADDRESS", ":8000"), "Http listen address, use HTTP_ADDRESS if args not set")
	flag.StringVar(&staticDir, "static-dir", os.Getenv("STATIC_DIR"), "Dashboard files directory, use STATIC_DIR if args not set")
	flag.StringVar(&allowedOrigins, "cors-origins", envOr("CORS_ORIGINS", "http://127.0.0.1:8080"), "Comma separated origins allowed by CORS, use CORS_ORIGINS if args not set")
	flag.BoolVar(&debug, "debug", false, "Debug logs")

	vehicleCfg := vehicle.DefaultConfig()
	flag.StringVar(&vehicleCfg.VehicleBlueprint, "vehicle-blueprint", vehicleCfg.VehicleBlueprint, "Blueprint filter of spawned vehicles")
	flag.IntVar(&vehicleCfg.CameraWidth, "camera-img-w", vehicleCfg.CameraWidth, "image width")
	flag.IntVar(&vehicleCfg.CameraHeight, "camera-img-h", vehicleCfg.CameraHeight, "image height")
	flag.IntVar(&vehicleCfg.CameraFov, "camera-fov", vehicleCfg.CameraFov, "")
	flag.Float64Var(&vehicleCfg.CameraOffset.X, "camera-offset-x", vehicleCfg.CameraOffset.X, "moves camera forward/back")
	flag.Float64Var(&vehicleCfg.CameraOffset.Y, "camera-offset-y", vehicleCfg.CameraOffset.Y, "moves camera left/right")
	flag.Float64Var(&vehicleCfg.CameraOffset.Z, "camera-offset-z", vehicleCfg.CameraOffset.Z, "moves camera up/down")
	flag.IntVar(&jpegQuality, "jpeg-quality", vehicleCfg.JpegQuality, "Quality of streamed jpeg frames, in [1, 100]")
	flag.DurationVar(&vehicleCfg.DriveInterval, "drive-interval", vehicleCfg.DriveInterval, "Navigation loop period")
	flag.DurationVar(&vehicleCfg.TelemetryInterval, "telemetry-interval", vehicleCfg.TelemetryInterval, "Telemetry loop period")

	flag.Parse()

	config := zap.NewDevelopmentConfig()
	if debug {
		config.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	} else {
		config.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	lgr, err := config.Build()
	if err != nil {
		log.Fatalf("unable to init logger: %v", err)
	}
	defer func() {
		if err := lgr.Sync(); err != nil {
			log.Printf("unable to Sync logger: %v\n", err)
		}
	}()
	zap.ReplaceGlobals(lgr)

	vehicleCfg.JpegQuality = jpegQuality

	var vehicleOpts []vehicle.Option
	var serverOpts []api.Option
	if topicPrefix != "" {
		client, err := cli.Connect(mqttBroker, username, password, clientId)
		if err != nil {
			zap.S().Fatalf("unable to connect to events broker: %v", err)
		}

		msgPub := events.NewMsgPublisher(events.NewMqttPublisher(client, byte(mqttQos), mqttRetain), topicPrefix)
		msgPub.Start()
		vehicleOpts = append(vehicleOpts, vehicle.WithObserver(msgPub))
		serverOpts = append(serverOpts, api.OnStop(msgPub.Stop), api.OnStop(func() { client.Disconnect(10) }))
	} else {
		zap.S().Info("no events topic prefix, events publishing disabled")
	}

	dial := func(ctx context.Context, robotID string) (simulator.Client, error) {
		zap.S().With("robot", robotID).Infof("open simulator session on %v", simulatorAddress)
		return gateway.Dial(ctx, simulatorAddress,
			gateway.WithDialAttempts(uint(dialAttempts)),
			gateway.WithTimeout(requestTimeout),
		)
	}
	reg := registry.New(dial, vehicleCfg, vehicleOpts...)

	metrics.Register()

	apiCfg := api.DefaultConfig()
	apiCfg.Address = httpAddress
	apiCfg.StaticDir = staticDir
	apiCfg.AllowedOrigins = strings.Split(allowedOrigins, ",")
	server := api.New(reg, apiCfg, serverOpts...)

	cli.HandleExit(server)

	err = server.Start()
	if err != nil {
		zap.S().Fatalf("unable to start service: %v", err)
	}
}

func envOr(key, defaultValue string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return defaultValue
}
