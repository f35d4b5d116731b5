// OFASSAY command to start a metadata driven OpenFlow proxy. This command
// parses the environment for configuration information, registers the
// configured predicates and then starts a processing loop for OpenFlow
// messages. DNS responses punted by the devices feed the classification
// cache, which in turn drives the rules installed on the devices.
package main

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"flag"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/ciena/ofassay/api"
	"github.com/ciena/ofassay/classifier"
	"github.com/ciena/ofassay/compiler"
	"github.com/ciena/ofassay/config"
	"github.com/ciena/ofassay/connections"
	"github.com/ciena/ofassay/engine/dnsengine"
	"github.com/ciena/ofassay/flowmod"
	"github.com/ciena/ofassay/injector"
	"github.com/kelseyhightower/envconfig"
	of "github.com/netrack/openflow"
	"github.com/netrack/openflow/ofp"
	log "github.com/sirupsen/logrus"
)

// BufferSize is the read buffer size of a device connection
const BufferSize = 2048

// App maintains the application configuration and runtime state
type App struct {
	ShowHelp         bool          `envconfig:"HELP" default:"false" desc:"show this message"`
	ListenOn         string        `envconfig:"LISTEN_ON" default:":8000" required:"true" desc:"connection on which to listen for an open flow device"`
	APIOn            string        `envconfig:"API_ON" default:":8002" required:"true" desc:"port on which to listen to accept API requests"`
	ProxyTo          string        `envconfig:"PROXY_TO" default:":8001" required:"true" desc:"connection on which to attach to an SDN controller"`
	TeeTo            []string      `envconfig:"TEE_TO" desc:"list of connections on which tee packet in messages"`
	TeeRawPackets    bool          `envconfig:"TEE_RAW" default:"true" desc:"only tee raw packets to the client, openflow headers not included"`
	ShareConnections bool          `envconfig:"SHARE_CONNECTIONS" default:"true" desc:"use shared connections to outbound end points"`
	LogLevel         string        `envconfig:"LOG_LEVEL" default:"info" desc:"logging level"`
	CompilerTable    uint8         `envconfig:"COMPILER_TABLE" default:"0" desc:"table holding the classification rules"`
	DefaultTable     uint8         `envconfig:"DEFAULT_TABLE" default:"2" desc:"table holding the tagged forwarding rules"`
	BatchDelay       time.Duration `envconfig:"BATCH_DELAY" default:"100ms" desc:"time classification changes are batched before rules are rebuilt"`
	SweepInterval    time.Duration `envconfig:"SWEEP_INTERVAL" default:"30s" desc:"interval at which expired classification entries are removed"`
	PredicatesFile   string        `envconfig:"PREDICATES_FILE" desc:"YAML file of predicates registered at start up"`
	LabelsFile       string        `envconfig:"LABELS_FILE" desc:"YAML file mapping classification labels to domains"`

	listener  net.Listener
	endpoints connections.Endpoints
	sinks     connections.Endpoints
	devices   *api.Devices
	compiler  *compiler.Compiler
	cache     *classifier.Cache
	api       *api.API
}

// OpenFlowContext prefixes the packets teed with OpenFlow headers
type OpenFlowContext struct {
	DatapathID uint64
	Port       uint32
}

func (c *OpenFlowContext) String() string {
	return fmt.Sprintf("[0x%016x, 0x%04x]", c.DatapathID, c.Port)
}

// Len returns the encoded size of the context
func (c *OpenFlowContext) Len() uint16 {
	return 12
}

// WriteTo writes the encoded context
func (c *OpenFlowContext) WriteTo(w io.Writer) (int64, error) {
	buf := make([]byte, 12)
	binary.BigEndian.PutUint64(buf, c.DatapathID)
	binary.BigEndian.PutUint32(buf[8:], c.Port)
	n, err := w.Write(buf)
	return int64(n), err
}

// Split splits a buffer holding the encoded context followed by an OpenFlow
// message of the given length into the message and the context prefixed
// message
func (c *OpenFlowContext) Split(buf []byte, length uint16) (message, prefixed []byte) {
	end := int(c.Len()) + int(length)
	return buf[c.Len():end], buf[:end]
}

func (app *App) removeInjector(inject injector.Injector) {
	app.devices.Listener <- api.DPIDMapping{
		Action: api.MapActionDelete,
		DPID:   inject.GetDPID(),
		Inject: inject,
	}
}

func (app *App) proxyTarget() (string, error) {
	if !strings.Contains(app.ProxyTo, "://") {
		return app.ProxyTo, nil
	}
	proxyURL, err := url.Parse(app.ProxyTo)
	if err != nil {
		return "", err
	}
	if proxyURL.Scheme != connections.SchemeTCP {
		return "", fmt.Errorf("only TCP connections are supported to SDN controller, not '%s'", proxyURL.Scheme)
	}
	return proxyURL.Host, nil
}

// Handle a single connection from a device
func (app *App) handle(conn net.Conn, endpoints connections.Endpoints) error {

	// Close the connection when we are no longer handling it
	defer conn.Close()

	var (
		err             error
		buffer          = new(bytes.Buffer)
		header          of.Header
		context         OpenFlowContext
		hCount, piCount int64
		left            uint16
		packetIn        ofp.PacketIn
		featuresReply   ofp.SwitchFeatures
		sniffed         bool
	)

	target, err := app.proxyTarget()
	if err != nil {
		log.
			WithFields(log.Fields{"proxy": app.ProxyTo}).
			WithError(err).
			Error("Unable to parse URL to SDN controller")
		return err
	}

	// Create connection to SDN controller
	proxy, err := net.Dial("tcp", target)
	if err != nil {
		log.
			WithFields(log.Fields{"proxy": app.ProxyTo}).
			WithError(err).
			Error("Unable to connect to SDN controller")
		return err
	}
	defer proxy.Close()

	inject := injector.NewOFDeviceInjector()
	// stopped before the device is removed, so flows still being written
	// for it fail instead of blocking the device mapping
	defer func() {
		inject.Stop()
		if sniffed {
			app.removeInjector(inject)
		}
	}()

	// Anything from the controller, just send to the device
	go inject.Copy(conn, proxy)

	reader := bufio.NewReaderSize(conn, BufferSize)
	for {
		// Read open flow header, if this does not work then we have
		// a serious error, so fail fast and move on
		hCount, err = header.ReadFrom(reader)
		if err != nil {
			log.
				WithError(err).
				Debug("Failed to read OpenFlow message header")
			return err
		}

		switch header.Type {
		case of.TypePacketIn:
			// The packet in header and the packet are read through a
			// LimitReader as ofp.PacketIn reads to the end of its reader.
			piCount, err = packetIn.ReadFrom(io.LimitReader(reader, int64(header.Length)-hCount))
			if err != nil || piCount != int64(header.Length)-hCount {
				log.
					WithError(err).
					Debug("Failed to read OpenFlow Packet In message header")
				return err
			}

			context.Port = 0
			for _, xm := range packetIn.Match.Fields {
				if xm.Type == ofp.XMTypeInPort {
					context.Port = binary.BigEndian.Uint32(xm.Value)
				}
			}

			buffer.Reset()
			if _, err = context.WriteTo(buffer); err == nil {
				if _, err = header.WriteTo(buffer); err == nil {
					_, err = packetIn.WriteTo(buffer)
				}
			}
			if err != nil {
				log.
					WithError(err).
					Error("Unable to buffer OpenFlow Packet In message")
				return err
			}

			// The controller sees every packet in, classification
			// and tee end points only those that match
			message, prefixed := context.Split(buffer.Bytes(), header.Length)
			if _, err = proxy.Write(message); err != nil {
				log.
					WithFields(log.Fields{"proxy": app.ProxyTo}).
					WithError(err).
					Error("Unable to send Packet In to SDN controller")
				return err
			}

			state, ok := connections.State(connections.Decode(packetIn.Data), context.Port)
			if !ok {
				log.
					WithFields(log.Fields{
						"context": context.String(),
						"packet":  fmt.Sprintf("%02x", packetIn.Data),
					}).
					Debug("Not ethernet packet, can't match")
				continue
			}
			log.
				WithFields(log.Fields{
					"context": context.String(),
					"state":   state.String(),
				}).
				Debug("packet in")

			app.sinks.ConditionalWrite(packetIn.Data, state)
			if app.TeeRawPackets {
				endpoints.ConditionalWrite(packetIn.Data, state)
			} else {
				endpoints.ConditionalWrite(prefixed, state)
			}
		case of.TypeFeaturesReply:
			log.WithFields(log.Fields{
				"of_version":     header.Version,
				"of_message":     header.Type.String(),
				"of_transaction": header.Transaction,
				"length":         header.Length,
			}).Debug("Sniffing for DPID")

			piCount, err = featuresReply.ReadFrom(reader)
			if err != nil {
				log.
					WithError(err).
					Debug("Failed to read OpenFlow Features Reply message")
				return err
			}
			inject.SetDPID(featuresReply.DatapathID)
			context.DatapathID = featuresReply.DatapathID
			log.WithFields(log.Fields{
				"dpid": fmt.Sprintf("0x%016x", featuresReply.DatapathID),
			}).Debug("Sniffed DPID")
			header.WriteTo(proxy)
			featuresReply.WriteTo(proxy)
			left = header.Length - uint16(hCount) - uint16(piCount)
			if _, err = io.CopyN(proxy, reader, int64(left)); err != nil {
				return err
			}

			// The device is only announced once the controller has its
			// features, so the compiler rules follow the handshake
			if !sniffed {
				sniffed = true
				app.devices.Listener <- api.DPIDMapping{
					Action: api.MapActionAdd,
					DPID:   featuresReply.DatapathID,
					Inject: inject,
				}
			}
		default:
			// All other messages are only proxied to the SDN
			// controller. No buffering, just grab bits, push bits.
			log.WithFields(log.Fields{
				"of_version":     header.Version,
				"of_message":     header.Type.String(),
				"of_transaction": header.Transaction,
				"length":         header.Length,
			}).Debug("SENDING: SDN controller")
			if _, err = header.WriteTo(proxy); err != nil {
				return err
			}
			left = header.Length - uint16(hCount)
			if _, err = io.CopyN(proxy, reader, int64(left)); err != nil {
				return err
			}
		}
	}
}

// EstablishEndpointConnections connects to the configured tee end points
func (app *App) EstablishEndpointConnections() (connections.Endpoints, error) {
	endpoints, err := connections.DialAll(app.TeeTo)
	if err != nil {
		log.
			WithFields(log.Fields{"tee-to": app.TeeTo}).
			WithError(err).
			Error("Unable to connect to outbound end point")
		return nil, err
	}
	for _, ep := range endpoints {
		log.WithFields(log.Fields{
			"connection": ep.String(),
		}).Info("Created outbound end point connection")
	}
	return endpoints, nil
}

// ListenAndServe listens for connections from open flow devices and
// processes their messages
func (app *App) ListenAndServe() (err error) {
	// Bind to connection for accepting connections
	app.listener, err = net.Listen("tcp", app.ListenOn)
	if err != nil {
		log.
			WithFields(log.Fields{
				"listen-port": app.ListenOn,
			}).
			WithError(err).
			Error("Unable to establish the ability to listen on connection for OpenFlow devices")
		return err
	}

	// Loop forever waiting for a connection and processing it
	for {
		conn, err := app.listener.Accept()
		if err != nil {
			// Not fatal if a connection fails, forget it and move on
			log.
				WithError(err).
				Error("Error while accepting connection")
			continue
		}
		log.WithFields(log.Fields{
			"remote-connection": conn.RemoteAddr().String(),
		}).Debug("Received connection")
		if app.ShareConnections {
			go app.handle(conn, app.endpoints)
			continue
		}
		endpoints, err := app.EstablishEndpointConnections()
		if err != nil {
			log.
				WithError(err).
				Error("Unable to establish non-shared outbound endpoint connections")
			conn.Close()
			continue
		}
		go func() {
			defer endpoints.Close()
			app.handle(conn, endpoints)
		}()
	}
}

// sweep periodically removes the expired classification entries
func (app *App) sweep() {
	ticker := time.NewTicker(app.SweepInterval)
	defer ticker.Stop()
	for range ticker.C {
		if removed := app.cache.Sweep(); removed > 0 {
			log.WithFields(log.Fields{
				"removed": removed,
			}).Debug("Swept expired classification entries")
		}
	}
}

// Build the classification cache, the compiler and the device mapping and
// wire them together
func (app *App) initialize() error {
	labels, err := config.LoadLabels(app.LabelsFile)
	if err != nil {
		return err
	}
	app.cache = classifier.New(classifier.WithMapper(classifier.NewSuffixMapper(labels)))

	app.devices = api.NewDevices()
	app.compiler, err = compiler.New(compiler.Config{
		CompilerTable: app.CompilerTable,
		DefaultTable:  app.DefaultTable,
		BatchDelay:    app.BatchDelay,
	}, flowmod.NewWriter(app.devices))
	if err != nil {
		return err
	}
	app.devices.OnChange(func(mapping api.DPIDMapping) {
		switch mapping.Action {
		case api.MapActionAdd:
			app.compiler.SwitchConnected(mapping.DPID)
		case api.MapActionDelete:
			app.compiler.SwitchDisconnected(mapping.DPID)
		}
	})

	engine := dnsengine.New(app.cache)
	engine.RegisterWith(app.compiler)
	app.sinks = connections.Endpoints{engine.Sink()}

	specs, err := config.LoadPredicates(app.PredicatesFile)
	if err != nil {
		return err
	}
	for _, spec := range specs {
		compiled, err := spec.Compile()
		if err != nil {
			return err
		}
		if _, err := app.compiler.RegisterPredicate(compiled); err != nil {
			return err
		}
	}
	log.WithFields(log.Fields{
		"predicates": len(specs),
		"labels":     len(labels),
	}).Info("Loaded configuration")

	app.api = api.NewAPI(app.APIOn, app.devices, app.compiler, app.cache)
	return nil
}

func main() {
	var app App

	// This application is not configured by command line options, so
	// if we have an unknown options or they used -h/--help to ask for
	// usage, give it to them
	var flags flag.FlagSet
	err := flags.Parse(os.Args[1:])
	if err != nil {
		envconfig.Usage("", &app)
		return
	}

	// Load the application configuration from the environment and initialize
	// the logging system
	err = envconfig.Process("", &app)
	if err != nil {
		log.WithError(err).Fatal("Unable to parse application configuration")
	}

	// Set the logging level, if it can't be parsed then default to warning
	logLevel, err := log.ParseLevel(app.LogLevel)
	if err != nil {
		log.
			WithFields(log.Fields{
				"log-level": app.LogLevel,
			}).
			WithError(err).
			Warn("Unable to parse log level specified, defaulting to Warning")
		logLevel = log.WarnLevel
	}
	log.SetLevel(logLevel)

	// If the help message is requested, then display and return
	if app.ShowHelp {
		envconfig.Usage("", &app)
		return
	}

	if err = app.initialize(); err != nil {
		log.WithError(err).Fatal("Unable to initialize, terminating")
	}
	go app.devices.ListenForUpdates()
	go app.sweep()

	// Create and invoke the API sub-system
	go func() {
		log.WithError(app.api.ListenAndServe()).Fatal("REST API terminated")
	}()

	// Connect to shared outbound end point connections, if requested
	if app.ShareConnections {
		if app.endpoints, err = app.EstablishEndpointConnections(); err != nil {
			log.WithError(err).Fatal("Unable to establish connections to outbound end points, terminating")
		}
	}

	// Listen and serve device requests
	log.Fatal(app.ListenAndServe())
}
