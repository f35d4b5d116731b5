package main

import (
	"bufio"
	"bytes"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/kelseyhightower/envconfig"
	of "github.com/netrack/openflow"
	"github.com/netrack/openflow/ofp"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// App is the application configuration and runtime information
type App struct {
	ShowHelp   bool   `envconfig:"HELP" default:"false" desc:"show this message"`
	OFAssayAPI string `envconfig:"OFASSAY_API" default:"http://127.0.0.1:8002" desc:"HOST:PORT on which to connect to OFASSAY REST API"`
	Device     string `envconfig:"DEVICE" required:"true" desc:"DPID of device on which to packet out"`
	Port       string `envconfig:"PORT" required:"true" desc:"Port on device on which to packet out"`
	PacketFile string `envconfig:"PACKET_FILE" required:"true" desc:"File from which to read packet to send, or '-' for stdin"`
}

var reservedPorts = map[string]ofp.PortNo{
	"IN":         ofp.PortIn,
	"TABLE":      ofp.PortTable,
	"NORMAL":     ofp.PortNormal,
	"FLOOD":      ofp.PortFlood,
	"ALL":        ofp.PortAll,
	"CONTROLLER": ofp.PortController,
	"LOCAL":      ofp.PortLocal,
}

func parsePort(s string) (ofp.PortNo, error) {
	if port, ok := reservedPorts[strings.ToUpper(s)]; ok {
		return port, nil
	}
	val, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid port '%s'", s)
	}
	return ofp.PortNo(val), nil
}

// readPacket reads a packet written as white space separated hex bytes
func readPacket(reader io.Reader) ([]byte, error) {
	var data bytes.Buffer
	scanner := bufio.NewScanner(reader)
	scanner.Split(bufio.ScanWords)
	for scanner.Scan() {
		val, err := strconv.ParseUint(scanner.Text(), 16, 8)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid byte '%s'", scanner.Text())
		}
		data.WriteByte(uint8(val))
	}
	return data.Bytes(), scanner.Err()
}

func packetOut(port ofp.PortNo, packet []byte) ([]byte, error) {
	body := &bytes.Buffer{}
	pktOut := ofp.PacketOut{
		Buffer:  ofp.NoBuffer,
		InPort:  ofp.PortAny,
		Actions: ofp.Actions{&ofp.ActionOutput{Port: port, MaxLen: ofp.ContentLenNoBuffer}},
	}
	if _, err := pktOut.WriteTo(body); err != nil {
		return nil, err
	}
	body.Write(packet)

	message := &bytes.Buffer{}
	if _, err := of.NewRequest(of.TypePacketOut, body).WriteTo(message); err != nil {
		return nil, err
	}
	return message.Bytes(), nil
}

func main() {
	var app App

	var flags flag.FlagSet
	err := flags.Parse(os.Args[1:])
	if err != nil {
		if err = envconfig.Usage("", &(app)); err != nil {
			log.
				WithError(err).
				Fatal("Unable to display usage information")
		}
		return
	}

	err = envconfig.Process("", &app)
	if err != nil {
		log.
			WithError(err).
			Fatal("Unable to process configuration")
	}
	if app.ShowHelp {
		if err = envconfig.Usage("", &(app)); err != nil {
			log.
				WithError(err).
				Fatal("Unable to display usage information")
		}
		return
	}

	input := io.Reader(os.Stdin)
	if app.PacketFile != "-" {
		file, err := os.Open(app.PacketFile)
		if err != nil {
			log.
				WithFields(log.Fields{
					"file": app.PacketFile,
				}).
				WithError(err).
				Fatal("Unable to read packet file")
		}
		defer file.Close()
		input = file
	}
	packet, err := readPacket(input)
	if err != nil {
		log.
			WithError(err).
			Fatal("Unable to read input")
	}

	port, err := parsePort(app.Port)
	if err != nil {
		log.
			WithError(err).
			Fatal("Unable to parse specified port value")
	}
	message, err := packetOut(port, packet)
	if err != nil {
		log.
			WithError(err).
			Fatal("Unable to build packet out message")
	}

	url := fmt.Sprintf("%s/ofassay/%s", app.OFAssayAPI, app.Device)
	resp, err := http.Post(url, "application/octet-stream", bytes.NewReader(message))
	if err != nil {
		log.
			WithFields(log.Fields{
				"ofassay": app.OFAssayAPI,
			}).
			WithError(err).
			Fatal("Unable to connect to ofassay API end point")
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		log.
			WithFields(log.Fields{
				"ofassay":       app.OFAssayAPI,
				"response-code": resp.StatusCode,
				"response":      resp.Status,
			}).
			Fatal("Non success code returned from ofassay")
	}
}
