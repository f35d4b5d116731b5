// Package api implements the ofassay REST API. It lists the connected
// devices, injects packets to them, registers and removes predicates and
// exposes the classification cache and the Prometheus metrics.
package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"sort"
	"strconv"
	"time"

	"github.com/ciena/ofassay/classifier"
	"github.com/ciena/ofassay/compiler"
	"github.com/ciena/ofassay/config"
	"github.com/ciena/ofassay/criteria"
	"github.com/ciena/ofassay/flowmod"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

// API is the ofassay REST API
type API struct {
	ListenOn string

	devices  *Devices
	compiler *compiler.Compiler
	cache    *classifier.Cache
	router   *mux.Router
}

// DevicesResponse lists all the known DPIDs
type DevicesResponse struct {
	Devices []string `json:"devices"`
}

// PredicateResponse describes a registered predicate
type PredicateResponse struct {
	Tag       uint64                   `json:"tag"`
	Match     compiler.Match           `json:"match"`
	Actions   []flowmod.Action         `json:"actions"`
	Priority  uint16                   `json:"priority"`
	Table     uint8                    `json:"table"`
	PostMatch criteria.Criteria        `json:"post_match"`
	Cookie    uint64                   `json:"cookie"`
	Rules     []compiler.InstalledRule `json:"rules"`
	Trackers  []compiler.Tracker       `json:"trackers"`
}

// PredicatesResponse lists the registered predicates
type PredicatesResponse struct {
	Stages     compiler.Stages     `json:"stages"`
	Attributes []string            `json:"attributes"`
	Predicates []PredicateResponse `json:"predicates"`
}

// SweepResponse reports the result of a sweep
type SweepResponse struct {
	Removed int `json:"removed"`
}

func describe(p *compiler.Predicate) PredicateResponse {
	spec := p.Spec()
	return PredicateResponse{
		Tag:       p.Tag(),
		Match:     spec.Match,
		Actions:   spec.Actions,
		Priority:  spec.Priority,
		Table:     p.Table(),
		PostMatch: spec.PostMatch,
		Cookie:    p.Cookie(),
		Rules:     p.Installed(),
		Trackers:  p.Trackers(),
	}
}

func writeJSON(resp http.ResponseWriter, status int, data interface{}) {
	bytes, err := json.Marshal(data)
	if err != nil {
		http.Error(resp,
			fmt.Sprintf("Unable to marshal response : %s", err.Error()),
			http.StatusInternalServerError)
		return
	}
	resp.Header().Set("Content-Type", "application/json")
	resp.WriteHeader(status)
	resp.Write(bytes)
}

// ListDevicesHandler returns a list of DPIDs known to the system as a JSON
// array
func (api *API) ListDevicesHandler(resp http.ResponseWriter, req *http.Request) {
	dpids := api.devices.DPIDs()
	data := DevicesResponse{
		Devices: make([]string, len(dpids)),
	}
	for i, dpid := range dpids {
		data.Devices[i] = fmt.Sprintf("of:0x%016x", dpid)
	}
	writeJSON(resp, http.StatusOK, data)
}

// PacketOutHandler handles an HTTP request to packet out to a given switch
// port. The payload to the request should be the []byte of a OpenFlow packet
// out message, including the open flow header, the packet out header, and
// the packet.
func (api *API) PacketOutHandler(resp http.ResponseWriter, req *http.Request) {
	defer req.Body.Close()

	// Parse the URL for the target device's DPID
	vars := mux.Vars(req)
	log.WithFields(log.Fields{
		"dpid": vars["dpid"],
	}).Debug("Packet out request received")
	dpid, err := strconv.ParseUint(vars["dpid"], 0, 64)
	if err != nil {
		log.WithFields(log.Fields{
			"dpid": vars["dpid"],
		}).Warn("Unable to parse given DPID")
		http.Error(resp, fmt.Sprintf("DPID doesn't reference a device, '%s' : %s", vars["dpid"], err), http.StatusNotFound)
		return
	}

	// If DPID doesn't exist in mapping, then 404
	inject, ok := api.devices.Injector(dpid)
	if !ok {
		log.WithFields(log.Fields{
			"dpid": vars["dpid"],
		}).Warn("Unable to find packet injector for DPID, unknown device")
		http.Error(resp, fmt.Sprintf("DPID not found, '%s'", vars["dpid"]), http.StatusNotFound)
		return
	}

	// Read the OpenFlow message from the body
	data, err := io.ReadAll(req.Body)
	if err != nil {
		http.Error(resp, err.Error(), http.StatusInternalServerError)
		return
	}

	if err := inject.Inject(data); err != nil {
		http.Error(resp, err.Error(), http.StatusServiceUnavailable)
	}
}

// ListPredicatesHandler returns the registered predicates
func (api *API) ListPredicatesHandler(resp http.ResponseWriter, req *http.Request) {
	predicates := api.compiler.Predicates()
	data := PredicatesResponse{
		Stages:     api.compiler.Stages(),
		Attributes: api.compiler.Attributes(),
		Predicates: make([]PredicateResponse, len(predicates)),
	}
	for i, p := range predicates {
		data.Predicates[i] = describe(p)
	}
	writeJSON(resp, http.StatusOK, data)
}

func registrationStatus(err error) int {
	switch errors.Cause(err) {
	case compiler.ErrAttributeNotRegistered, compiler.ErrPredicateNotFound:
		return http.StatusNotFound
	case compiler.ErrDuplicatePredicate:
		return http.StatusConflict
	case compiler.ErrNoAttributes, compiler.ErrTooManyAttributes, compiler.ErrInvalidTables, flowmod.ErrPrerequisite:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// AddPredicateHandler registers the predicate described by the JSON body
func (api *API) AddPredicateHandler(resp http.ResponseWriter, req *http.Request) {
	defer req.Body.Close()

	var spec config.PredicateSpec
	if err := json.NewDecoder(req.Body).Decode(&spec); err != nil {
		http.Error(resp, fmt.Sprintf("Unable to decode predicate : %s", err), http.StatusBadRequest)
		return
	}
	compiled, err := spec.Compile()
	if err != nil {
		http.Error(resp, fmt.Sprintf("Invalid predicate : %s", err), http.StatusBadRequest)
		return
	}
	p, err := api.compiler.RegisterPredicate(compiled)
	if err != nil {
		log.WithFields(log.Fields{
			"match": compiled.Match.String(),
		}).WithError(err).Warn("Unable to register predicate")
		http.Error(resp, err.Error(), registrationStatus(err))
		return
	}
	writeJSON(resp, http.StatusCreated, describe(p))
}

// DeletePredicateHandler unregisters the predicate with the tag in the URL
func (api *API) DeletePredicateHandler(resp http.ResponseWriter, req *http.Request) {
	vars := mux.Vars(req)
	tag, err := strconv.ParseUint(vars["tag"], 0, 64)
	if err != nil {
		http.Error(resp, fmt.Sprintf("Invalid tag '%s' : %s", vars["tag"], err), http.StatusBadRequest)
		return
	}
	if err := api.compiler.Unregister(tag); err != nil {
		http.Error(resp, err.Error(), registrationStatus(err))
		return
	}
	resp.WriteHeader(http.StatusNoContent)
}

func sortedEntries(found map[netip.Addr]classifier.Entry) []classifier.Entry {
	entries := make([]classifier.Entry, 0, len(found))
	for _, e := range found {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Addr.Less(entries[j].Addr)
	})
	return entries
}

// ClassifierHandler looks up the classification cache by address, name or
// label, or lists every live entry when no query is given
func (api *API) ClassifierHandler(resp http.ResponseWriter, req *http.Request) {
	query := req.URL.Query()
	switch {
	case query.Get("addr") != "":
		addr, err := netip.ParseAddr(query.Get("addr"))
		if err != nil {
			http.Error(resp, fmt.Sprintf("Invalid address : %s", err), http.StatusBadRequest)
			return
		}
		entry, ok := api.cache.FindByAddress(addr)
		if !ok {
			http.Error(resp, fmt.Sprintf("No entry for '%s'", addr), http.StatusNotFound)
			return
		}
		writeJSON(resp, http.StatusOK, entry)
	case query.Get("name") != "":
		writeJSON(resp, http.StatusOK, sortedEntries(api.cache.FindByName(query.Get("name"))))
	case query.Get("label") != "":
		writeJSON(resp, http.StatusOK, sortedEntries(api.cache.FindByLabel(query.Get("label"))))
	default:
		writeJSON(resp, http.StatusOK, api.cache.Entries())
	}
}

// SweepHandler removes the expired classification entries
func (api *API) SweepHandler(resp http.ResponseWriter, req *http.Request) {
	writeJSON(resp, http.StatusOK, SweepResponse{Removed: api.cache.Sweep()})
}

// NewAPI properly instantiates a new API instance.
func NewAPI(listenOn string, devices *Devices, c *compiler.Compiler, cache *classifier.Cache) *API {
	api := &API{
		ListenOn: listenOn,
		devices:  devices,
		compiler: c,
		cache:    cache,
		router:   mux.NewRouter(),
	}

	api.router.
		HandleFunc("/ofassay/predicates", api.ListPredicatesHandler).
		Methods("GET")
	api.router.
		HandleFunc("/ofassay/predicates", api.AddPredicateHandler).
		Methods("POST")
	api.router.
		HandleFunc("/ofassay/predicates/{tag}", api.DeletePredicateHandler).
		Methods("DELETE")
	api.router.
		HandleFunc("/ofassay/classifier", api.ClassifierHandler).
		Methods("GET")
	api.router.
		HandleFunc("/ofassay/classifier/sweep", api.SweepHandler).
		Methods("POST")
	api.router.
		HandleFunc("/ofassay/{dpid}", api.PacketOutHandler).
		Methods("POST").
		Headers("Content-type", "application/octet-stream")
	api.router.
		HandleFunc("/ofassay", api.ListDevicesHandler).
		Methods("GET")
	api.router.
		Handle("/metrics", promhttp.Handler()).
		Methods("GET")
	return api
}

// Handler returns the API request router
func (api *API) Handler() http.Handler {
	return api.router
}

// ListenAndServe serves API requests until the server fails
func (api *API) ListenAndServe() error {
	srv := &http.Server{
		Addr:         api.ListenOn,
		Handler:      api.router,
		WriteTimeout: 15 * time.Second,
		ReadTimeout:  15 * time.Second,
	}

	log.WithFields(log.Fields{
		"connect-point": api.ListenOn,
	}).Debug("Listening for REST API requests")
	return srv.ListenAndServe()
}
