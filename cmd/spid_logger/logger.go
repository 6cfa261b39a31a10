// spid_logger subscribes to a spidtrack websocket and logs every
// pointing sample to InfluxDB.
package main

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/gorilla/websocket"
	influxdb2 "github.com/influxdata/influxdb-client-go"
	"github.com/influxdata/influxdb-client-go/api"
)

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	server := envOr("INFLUX_SERVER", "http://localhost:9999")
	client := influxdb2.NewClient(server, os.Getenv("INFLUX_TOKEN"))
	defer client.Close()
	// Non-blocking write client.
	writeApi := client.WriteApi(envOr("INFLUX_ORG", "gospid"), envOr("INFLUX_BUCKET", "pointing.raw"))
	defer writeApi.Close()
	go func() {
		for err := range writeApi.Errors() {
			log.Printf("write error: %v", err)
		}
	}()
	for {
		if err := logPointing(writeApi); err != nil {
			log.Print(err)
		}
		time.Sleep(1 * time.Second)
	}
}

func flatten(fields map[string]interface{}, value interface{}, prefix string) {
	switch value := value.(type) {
	case map[string]interface{}:
		for k, v := range value {
			flatten(fields, v, prefix+"."+k)
		}
	case []interface{}:
		for k, v := range value {
			flatten(fields, v, fmt.Sprintf("%s.%d", prefix, k))
		}
	default:
		fields[prefix[1:]] = value
	}
}

func logPointing(writeApi api.WriteApi) error {
	url := envOr("SPID_ADDRESS", "ws://localhost:8502/api/ws")
	defer writeApi.Flush()
	var dialer websocket.Dialer
	conn, _, err := dialer.Dial(url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()
	for {
		var status interface{}
		if err := conn.ReadJSON(&status); err != nil {
			return err
		}
		fields := make(map[string]interface{})
		flatten(fields, status, "")

		p := influxdb2.NewPoint("spid.pointing",
			nil,
			fields,
			time.Now(),
		)
		writeApi.WritePoint(p)
	}
}
