// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package recordserver

import (
	"bytes"
	"encoding/json"
	"fmt"
	"html/template"
	"net/http"
	"time"

	sigar "github.com/cloudfoundry/gosigar"

	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/recstore/internal/blobstore"
)

const statusTemplateStr = `
<!doctype html>
<html lang="en">
<head>
  <title>recstore record server status</title>
  <style>
    caption {
      caption-side: top;
      text-align: left;
      font-weight: bold;
    }
    table.status {
      border-collapse: collapse;
    }
    table.status td {
      border: 1px solid #DDD;
      text-align: left;
      padding: 4px 8px;
    }
    table.status th {
      border: 1px solid #DDD;
      text-align: left;
      padding: 8px;
      background-color: #009900;
      color: white;
    }
    table.status tr:nth-child(even) {background-color: #F2F2F2;}
    table.status tr:hover {background-color: #DDD;}
  </style>
</head>

<body>

<h3>{{.JobName}}</h3>

<table>
  <tr>
    <td>Group:</td>
    <td>{{.Cfg.Group}}</td>
  </tr>
  <tr>
    <td>Address:</td>
    <td><a href="http://{{.Cfg.Addr}}">{{.Cfg.Addr}}</a></td>
  </tr>
  <tr>
    <td>Store:</td>
    <td>{{.Cfg.Dir}}</td>
  </tr>
  <tr>
    <td>Read-only:</td>
    <td>{{.ReadOnly}}</td>
  </tr>
  <tr>
    <td>Free memory:</td>
    <td>{{byteToMB .FreeMem}} / {{byteToMB .TotalMem}} mb</td>
  </tr>
  <tr>
    <td>Last reboot:</td>
    <td>{{.Reboot}}</td>
  </tr>
</table>

<br>
<table class="status">
  <caption>Records</caption>
  <tr><th>Records</th><th>Uncommitted</th><th>Corrupted</th><th>Live</th><th>File</th></tr>
  <tr>
    <td>{{.Store.Records}}</td>
    <td>{{.Store.Uncommitted}}</td>
    <td>{{.Store.Corrupted}}</td>
    <td>{{byteToMB .Store.LiveBytes}} MB</td>
    <td>{{byteToMB .Store.FileBytes}} MB</td>
  </tr>
</table>

<br>
<table class="status">
  <caption>Peers</caption>
  <tr><th>Group</th><th>Address</th></tr>
  {{range $g, $addr := .Cfg.Peers}}
  <tr>
    <td>{{$g}}</td>
    <td><a href="http://{{$addr}}">{{$addr}}</a></td>
  </tr>
  {{end}}
</table>

<br>
<table class="status">
  <caption>Service RPC Metrics</caption>
  <tr>
    <th>Metric</th>
    <th>Stats</th>
  </tr>
  {{range $k, $v := .SrvRPC}}
  <tr>
    <td>{{$k}}</td>
    <td>{{$v}}</td>
  </tr>
  {{end}}
</table>

<br>
status update time: {{.Now}}
</body>
</html>
`

// StatusData includes record server status info.
type StatusData struct {
	JobName  string
	Cfg      Config
	ReadOnly bool
	FreeMem  uint64
	TotalMem uint64

	Store blobstore.Stats

	Reboot time.Time // When was the last reboot?
	SrvRPC map[string]string
	Now    time.Time
}

// Convert bytes into mbs.
func byteToMB(in uint64) uint64 {
	return in / 1024 / 1024
}

var (
	// When was the last reboot?
	reboot = time.Now()

	// Add custom functions.
	funcMap = template.FuncMap{"byteToMB": byteToMB}

	// Status html template.
	statusTemplate = template.Must(template.New("status_html").Funcs(funcMap).Parse(statusTemplateStr))
)

// statusHandler is called when an http request is received at the status port.
// If the "Accept" header is set to be "application/json", it sends json encoded
// status; otherwise it sends html.
func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	st := s.genStatus()
	var b bytes.Buffer
	var err error
	ct := "text/html"
	if r.Header.Get("Accept") == "application/json" {
		ct = "application/json"
		err = json.NewEncoder(&b).Encode(st)
	} else {
		err = statusTemplate.Execute(&b, st)
	}
	if err != nil {
		e := fmt.Sprintf("failed to encode status data: %s", err)
		log.Errorf(e)
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(e))
		return
	}

	w.Header().Set("Content-Type", ct)
	w.Write(b.Bytes())
}

// Generate status data.
func (s *Server) genStatus() StatusData {
	// Pull memory info.
	mem := sigar.Mem{}
	if err := mem.Get(); nil != err {
		log.Errorf("failed to get memory info: %s", err)
		mem.ActualFree = 0
		mem.Total = 0
	}

	return StatusData{
		JobName:  "recordserver",
		Cfg:      *s.cfg,
		ReadOnly: s.handler.ro.ReadOnlyMode(),
		FreeMem:  mem.ActualFree,
		TotalMem: mem.Total,
		Store:    s.store.Stats(),
		Reboot:   reboot,
		SrvRPC:   s.handler.rpcStats(),
		Now:      time.Now(),
	}
}
