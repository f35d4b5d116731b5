package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/ciena/ofassay/api"
	"github.com/ciena/ofassay/config"
	"github.com/kelseyhightower/envconfig"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// App is the application configuration
type App struct {
	ShowHelp   bool   `envconfig:"HELP" default:"false" desc:"show this message"`
	OFAssayAPI string `envconfig:"OFASSAY_API" default:"http://127.0.0.1:8002" desc:"HOST:PORT on which to connect to OFASSAY REST API"`
	Command    string `envconfig:"COMMAND" default:"list" desc:"one of list, devices, add or delete"`
	File       string `envconfig:"PREDICATES_FILE" desc:"YAML file of the predicates to add"`
	Tag        string `envconfig:"TAG" desc:"tag of the predicate to delete"`
}

func check(resp *http.Response) error {
	if resp.StatusCode/100 == 2 {
		return nil
	}
	msg, _ := io.ReadAll(resp.Body)
	return errors.Errorf("%s : %s", resp.Status, strings.TrimSpace(string(msg)))
}

func (app *App) get(path string, data interface{}) error {
	resp, err := http.Get(fmt.Sprintf("%s%s", app.OFAssayAPI, path))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err = check(resp); err != nil {
		return err
	}
	return json.NewDecoder(resp.Body).Decode(data)
}

func (app *App) list() error {
	var list api.PredicatesResponse
	if err := app.get("/ofassay/predicates", &list); err != nil {
		return err
	}
	fmt.Printf("compiler table %d, default table %d, attributes %s\n",
		list.Stages.Compiler, list.Stages.Default, strings.Join(list.Attributes, ","))
	for _, p := range list.Predicates {
		actions := make([]string, len(p.Actions))
		for i, a := range p.Actions {
			actions[i] = a.String()
		}
		fmt.Printf("%4d  %-30s  %-20s  priority=%d table=%d rules=%d\n",
			p.Tag, p.Match.String(), strings.Join(actions, ","), p.Priority, p.Table, len(p.Rules))
	}
	return nil
}

// devices writes one line per connected device with the predicates and
// compiled rules installed on it
func (app *App) devices(out io.Writer) error {
	var devices api.DevicesResponse
	if err := app.get("/ofassay", &devices); err != nil {
		return err
	}
	var list api.PredicatesResponse
	if err := app.get("/ofassay/predicates", &list); err != nil {
		return err
	}
	rules := 0
	for _, p := range list.Predicates {
		rules += len(p.Rules)
	}
	for _, dpid := range devices.Devices {
		fmt.Fprintf(out, "%s  predicates=%d rules=%d\n", dpid, len(list.Predicates), rules)
	}
	return nil
}

func (app *App) add() error {
	specs, err := config.LoadPredicates(app.File)
	if err != nil {
		return err
	}
	for _, spec := range specs {
		body, err := json.Marshal(spec)
		if err != nil {
			return err
		}
		resp, err := http.Post(fmt.Sprintf("%s/ofassay/predicates", app.OFAssayAPI),
			"application/json", bytes.NewReader(body))
		if err != nil {
			return err
		}
		err = check(resp)
		if err == nil {
			var created api.PredicateResponse
			err = json.NewDecoder(resp.Body).Decode(&created)
			if err == nil {
				fmt.Printf("%4d  %s\n", created.Tag, created.Match.String())
			}
		}
		resp.Body.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

func (app *App) delete() error {
	req, err := http.NewRequest(http.MethodDelete,
		fmt.Sprintf("%s/ofassay/predicates/%s", app.OFAssayAPI, app.Tag), nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return check(resp)
}

func main() {
	var app App

	var flags flag.FlagSet
	err := flags.Parse(os.Args[1:])
	if err != nil {
		envconfig.Usage("", &(app))
		return
	}

	err = envconfig.Process("", &app)
	if err != nil {
		log.WithError(err).Fatal("Unable to parse application configuration")
	}
	if app.ShowHelp {
		envconfig.Usage("", &app)
		return
	}

	switch strings.ToLower(app.Command) {
	case "list":
		err = app.list()
	case "devices":
		err = app.devices(os.Stdout)
	case "add":
		err = app.add()
	case "delete":
		err = app.delete()
	default:
		err = errors.Errorf("unknown command '%s'", app.Command)
	}
	if err != nil {
		log.
			WithFields(log.Fields{
				"ofassay": app.OFAssayAPI,
				"command": app.Command,
			}).
			WithError(err).
			Fatal("Request to ofassay failed")
	}
}
