// Package recorder persists accepted interrupt events as influxdb points.
package recorder

import (
	"context"
	"strconv"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/pkg/errors"
)

const defaultMeasurement = "gpio_events"
const pingTimeoutSeconds = 5

// EventRecorder writes one point per accepted interrupt event, tagged with
// the gpio id. Exported fields come straight from the json configuration.
type EventRecorder struct {
	Host         string
	Organization string
	Bucket       string
	Measurement  string
	Token        string

	client influxdb2.Client
	write  api.WriteAPIBlocking
	ready  bool
}

// Setup connects the client and verifies the server answers.
func (er *EventRecorder) Setup() error {
	if er.Measurement == "" {
		er.Measurement = defaultMeasurement
	}

	er.client = influxdb2.NewClient(er.Host, er.Token)
	er.write = er.client.WriteAPIBlocking(er.Organization, er.Bucket)

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeoutSeconds*time.Second)
	defer cancel()

	ok, err := er.client.Ping(ctx)
	if err != nil {
		return errors.Wrapf(err, "failed to reach influx at %s", er.Host)
	}
	if !ok {
		return errors.Errorf("influx at %s did not answer the ping", er.Host)
	}

	er.ready = true
	return nil
}

func (er *EventRecorder) IsReady() bool {
	return er.ready
}

// Record writes one event point.
func (er *EventRecorder) Record(ctx context.Context, pin uint16, value int, at time.Time) error {
	if !er.ready {
		return errors.New("event recorder is not set up")
	}

	point := influxdb2.NewPoint(er.Measurement,
		map[string]string{
			"pin": strconv.Itoa(int(pin)),
		},
		map[string]interface{}{
			"value": value,
		},
		at)

	err := er.write.WritePoint(ctx, point)
	if err != nil {
		return errors.Wrapf(err, "failed to record event of gpio %d", pin)
	}
	return nil
}

func (er *EventRecorder) Close() error {
	if er.client != nil {
		er.client.Close()
	}
	er.ready = false
	return nil
}
