package main

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/eclipse/paho.golang/paho"
	"github.com/julienschmidt/httprouter"
	"github.com/pkg/errors"

	"github.com/hubertat/gpiokit"
	"github.com/hubertat/gpiokit/drivers"
	"github.com/hubertat/gpiokit/mqtt"
	"github.com/hubertat/gpiokit/pwm"
	"github.com/hubertat/gpiokit/recorder"
	"github.com/hubertat/gpiokit/sysfs"
)

const httpTimeoutsMs = 3000
const shutdownTimeoutSeconds = 5

type InputConfig struct {
	Pin        uint16
	Edge       string
	Pull       string
	DebounceMs int
	Threaded   bool
}

type MqttConfig struct {
	Broker       string
	ClientId     string
	TopicPrefix  string
	CommandTopic string
}

type Config struct {
	UseMockDriver bool
	BoardRevision int

	// TcpPort opens the line-oriented command listener when set.
	TcpPort int

	// HttpListen serves the status api when set, e.g. ":8080".
	HttpListen string

	ServoChannel int

	Inputs []InputConfig
	Mqtt   *MqttConfig
	Influx *recorder.EventRecorder
}

type daemon struct {
	cfg    Config
	logger *log.Logger

	driver  drivers.PinDriver
	reactor *gpiokit.Reactor
	sched   *pwm.Scheduler
	servo   *pwm.Servo
	bridge  *mqtt.Bridge
}

func (d *daemon) setup() error {
	if d.cfg.UseMockDriver {
		d.driver = &drivers.MockPinDriver{}
	} else {
		d.driver = &drivers.GpIO{Revision: d.cfg.BoardRevision}
	}
	err := d.driver.Open()
	if err != nil {
		return errors.Wrapf(err, "failed to open pin driver %s", d.driver)
	}
	d.logger.Info("pin driver ready", "driver", d.driver.String())

	d.reactor, err = gpiokit.New(d.driver)
	if err != nil {
		return err
	}
	d.reactor.Logger = d.logger

	d.sched = pwm.NewScheduler(&pwm.NoopProgrammer{Logger: d.logger})
	err = d.sched.Setup(0, pwm.DelayViaPWM)
	if err != nil {
		return err
	}
	d.servo = pwm.NewServo(d.sched, d.cfg.ServoChannel)

	for _, in := range d.cfg.Inputs {
		err = d.registerInput(in)
		if err != nil {
			return errors.Wrapf(err, "failed to register input on gpio %d", in.Pin)
		}
	}

	if d.cfg.TcpPort > 0 {
		port, err := d.reactor.RegisterTCPListener(d.cfg.TcpPort, d.tcpCommand, true)
		if err != nil {
			return err
		}
		d.logger.Info("tcp command listener up", "port", port)
	}

	if d.cfg.Mqtt != nil {
		d.bridge, err = mqtt.NewBridge(d.cfg.Mqtt.Broker, d.cfg.Mqtt.ClientId)
		if err != nil {
			return err
		}
		handlers := []mqtt.Handler{}
		if d.cfg.Mqtt.CommandTopic != "" {
			handlers = append(handlers, &mqttCommands{daemon: d, topic: d.cfg.Mqtt.CommandTopic})
		}
		err = d.bridge.Connect(handlers)
		if err != nil {
			return err
		}
	}

	if d.cfg.Influx != nil {
		err = d.cfg.Influx.Setup()
		if err != nil {
			return err
		}
		d.logger.Info("influx event recorder ready", "host", d.cfg.Influx.Host)
	}

	if d.cfg.HttpListen != "" {
		d.startHTTP()
	}

	return nil
}

func (d *daemon) registerInput(in InputConfig) error {
	pull, err := drivers.ParsePull(in.Pull)
	if err != nil {
		return err
	}

	return d.reactor.RegisterInterrupt(in.Pin, d.pinEvent, gpiokit.InterruptOptions{
		Edge:     sysfs.Edge(in.Edge),
		Pull:     pull,
		Debounce: time.Duration(in.DebounceMs) * time.Millisecond,
		Threaded: in.Threaded,
	})
}

// pinEvent fans one accepted interrupt event out to the log, the broker and
// the recorder.
func (d *daemon) pinEvent(pin uint16, value int) {
	d.logger.Info("gpio event", "pin", pin, "value", value)

	if d.bridge != nil && d.cfg.Mqtt.TopicPrefix != "" {
		err := d.bridge.PublishPinEvent(d.cfg.Mqtt.TopicPrefix, pin, value)
		if err != nil {
			d.logger.Error("failed to publish gpio event", "pin", pin, "err", err)
		}
	}

	if d.cfg.Influx != nil && d.cfg.Influx.IsReady() {
		err := d.cfg.Influx.Record(context.Background(), pin, value, time.Now())
		if err != nil {
			d.logger.Error("failed to record gpio event", "pin", pin, "err", err)
		}
	}
}

// runCommand executes one line-oriented command and returns the reply line.
// Commands: "read N", "set N on|off", "servo N WIDTH_US".
func (d *daemon) runCommand(line string) string {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return "err: expected command and gpio id"
	}

	pin64, err := strconv.ParseUint(fields[1], 10, 16)
	if err != nil {
		return "err: invalid gpio id " + fields[1]
	}
	pin := uint16(pin64)

	switch fields[0] {
	case "read":
		state, err := d.driver.Read(pin)
		if err != nil {
			return "err: " + err.Error()
		}
		if state {
			return "1"
		}
		return "0"

	case "set":
		if len(fields) < 3 {
			return "err: expected on or off"
		}
		var state bool
		switch fields[2] {
		case "on":
			state = true
		case "off":
			state = false
		default:
			return "err: expected on or off, got " + fields[2]
		}
		err = d.driver.SetOutput(pin)
		if err != nil {
			return "err: " + err.Error()
		}
		err = d.driver.Write(pin, state)
		if err != nil {
			return "err: " + err.Error()
		}
		return "ok"

	case "servo":
		if len(fields) < 3 {
			return "err: expected pulse width in us"
		}
		width, err := strconv.ParseUint(fields[2], 10, 32)
		if err != nil {
			return "err: invalid pulse width " + fields[2]
		}
		err = d.servo.SetPulse(pin, uint32(width))
		if err != nil {
			return "err: " + err.Error()
		}
		return "ok"
	}

	return "err: unknown command " + fields[0]
}

func (d *daemon) tcpCommand(conn *gpiokit.TCPConn, payload []byte) {
	reply := d.runCommand(string(payload))
	_, err := conn.Write([]byte(reply + "\n"))
	if err != nil {
		d.logger.Debug("failed to answer tcp client", "err", err)
	}
}

// mqttCommands feeds broker messages into the same command surface the tcp
// listener uses; replies go to the log only.
type mqttCommands struct {
	daemon *daemon
	topic  string
}

func (mc *mqttCommands) MqttSubscribeTopic() string {
	return mc.topic
}

func (mc *mqttCommands) MqttHandle(pub *paho.Publish) {
	reply := mc.daemon.runCommand(string(pub.Payload))
	mc.daemon.logger.Info("mqtt command", "payload", string(pub.Payload), "reply", reply)
}

func (d *daemon) startHTTP() {
	router := httprouter.New()
	router.GET("/status", d.getStatus)
	router.GET("/pins", d.getPins)

	httpTimeout := httpTimeoutsMs * time.Millisecond
	server := &http.Server{
		Addr:              d.cfg.HttpListen,
		Handler:           router,
		ReadTimeout:       httpTimeout,
		ReadHeaderTimeout: httpTimeout,
		WriteTimeout:      httpTimeout,
		IdleTimeout:       2 * httpTimeout,
	}

	go func() {
		err := server.ListenAndServe()
		d.logger.Error("status http server stopped", "err", err)
	}()
	d.logger.Info("status http server up", "addr", d.cfg.HttpListen)
}

func (d *daemon) getStatus(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	status := struct {
		Version       string
		Running       bool
		Driver        string
		InterruptPins []uint16
		ListenerPorts []int
	}{
		Version:       Version,
		Running:       d.reactor.Running(),
		Driver:        d.driver.String(),
		InterruptPins: d.reactor.InterruptPins(),
		ListenerPorts: d.reactor.ListenerPorts(),
	}

	w.Header().Set("Content-Type", "application/json")
	err := json.NewEncoder(w).Encode(status)
	if err != nil {
		d.logger.Debug("failed to encode status", "err", err)
	}
}

func (d *daemon) getPins(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	type pinStatus struct {
		Pin   uint16
		Mode  string
		Value bool
	}

	pins := []pinStatus{}
	for _, pin := range d.driver.ValidPins() {
		mode, err := d.driver.PinMode(pin)
		if err != nil {
			continue
		}
		value, _ := d.driver.Read(pin)
		pins = append(pins, pinStatus{Pin: pin, Mode: mode.String(), Value: value})
	}

	w.Header().Set("Content-Type", "application/json")
	err := json.NewEncoder(w).Encode(pins)
	if err != nil {
		d.logger.Debug("failed to encode pin list", "err", err)
	}
}

func (d *daemon) shutdown() {
	err := d.reactor.Cleanup()
	if err != nil {
		d.logger.Error("reactor cleanup failed", "err", err)
	}
	err = d.reactor.Close()
	if err != nil {
		d.logger.Error("reactor close failed", "err", err)
	}

	err = d.sched.Cleanup()
	if err != nil {
		d.logger.Error("pwm cleanup failed", "err", err)
	}

	if d.bridge != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeoutSeconds*time.Second)
		err = d.bridge.Disconnect(ctx)
		cancel()
		if err != nil {
			d.logger.Error("mqtt disconnect failed", "err", err)
		}
	}

	if d.cfg.Influx != nil {
		d.cfg.Influx.Close()
	}

	err = d.driver.Close()
	if err != nil {
		d.logger.Error("pin driver close failed", "err", err)
	}

	d.logger.Info("gpiod stopped")
}
