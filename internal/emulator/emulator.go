// Package emulator serves the accelerator REST API with an echo accelerator:
// the result file of a process is its input file. It stands in for a real
// accelerator host in tests and local dry runs.
package emulator

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"sort"
	"strconv"
	"sync"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/metric"

	"github.com/cochaviz/accelhost/internal/logging"
	"github.com/cochaviz/accelhost/internal/params"
)

// FailKey in app.specific makes a configure or process request fail with the
// key's value as message.
const FailKey = "fail"

// Config tunes the emulator.
type Config struct {
	// ProcessPolls is the number of reads a process stays pending.
	ProcessPolls int
	// RateLimit caps requests per second, zero disables limiting.
	RateLimit float64
	Burst     int
	Meter     metric.Meter
	Logger    *slog.Logger
}

type configuration struct {
	ID     int
	Result params.Tree
	Used   int
}

type process struct {
	ID        int
	Config    int
	Pending   int
	Result    params.Tree
	Output    []byte
	HasOutput bool
}

// Emulator holds the accelerator state. Its handlers are safe for concurrent
// use.
type Emulator struct {
	cfg    Config
	logger *slog.Logger

	mu             sync.Mutex
	nextID         int
	configurations map[int]*configuration
	processes      map[int]*process
	stopped        bool
	dropUploads    int
	calls          map[string]int
}

// New returns an emulator with no configuration.
func New(cfg Config) *Emulator {
	return &Emulator{
		cfg:            cfg,
		logger:         logging.Ensure(cfg.Logger).With("component", "emulator"),
		configurations: make(map[int]*configuration),
		processes:      make(map[int]*process),
		calls:          make(map[string]int),
	}
}

// DropProcessUploads makes the next n process uploads fail at the transport
// level by closing the connection.
func (e *Emulator) DropProcessUploads(n int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.dropUploads = n
}

// Calls returns how often a route was served, keyed as "METHOD /path".
func (e *Emulator) Calls(route string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls[route]
}

// Processes returns the number of processes not yet deleted.
func (e *Emulator) Processes() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.processes)
}

// Stopped reports whether the accelerator received a stop request.
func (e *Emulator) Stopped() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stopped
}

// RegisterRoutes adds the accelerator API to router.
func (e *Emulator) RegisterRoutes(router gin.IRoutes) {
	router.GET("/", e.ping)
	router.POST("/configure", e.createConfiguration)
	router.GET("/configure", e.listConfigurations)
	router.GET("/configure/:id", e.readConfiguration)
	router.POST("/process", e.createProcess)
	router.GET("/process/:id", e.readProcess)
	router.GET("/process/:id/result", e.processResult)
	router.DELETE("/process/:id", e.deleteProcess)
	router.GET("/stop", e.stop)
}

func (e *Emulator) count(c *gin.Context) {
	e.mu.Lock()
	e.calls[c.Request.Method+" "+c.FullPath()]++
	e.mu.Unlock()
}

func (e *Emulator) ping(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (e *Emulator) configurationURL(c *gin.Context, id int) string {
	scheme := "http"
	if c.Request.TLS != nil {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s/configure/%d", scheme, c.Request.Host, id)
}

func (e *Emulator) createConfiguration(c *gin.Context) {
	e.count(c)
	request, err := readParameters(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if _, err := readDatafile(c); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result := envelope(request)
	e.mu.Lock()
	e.nextID++
	cfg := &configuration{ID: e.nextID, Result: result}
	if status, _ := result.Lookup(params.KeyApp, "status"); status == 0 {
		e.configurations[cfg.ID] = cfg
	}
	e.stopped = false
	e.mu.Unlock()

	encoded, _ := json.Marshal(result)
	e.logger.Debug("configuration created", "id", cfg.ID)
	c.JSON(http.StatusCreated, gin.H{
		"id":               cfg.ID,
		"url":              e.configurationURL(c, cfg.ID),
		"parametersresult": string(encoded),
		"inerror":          false,
		"used":             0,
	})
}

func (e *Emulator) listConfigurations(c *gin.Context) {
	e.count(c)
	e.mu.Lock()
	ids := make([]int, 0, len(e.configurations))
	for id := range e.configurations {
		ids = append(ids, id)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(ids)))
	results := make([]gin.H, 0, len(ids))
	for _, id := range ids {
		results = append(results, gin.H{
			"id":      id,
			"url":     e.configurationURL(c, id),
			"used":    e.configurations[id].Used,
			"inerror": false,
		})
	}
	e.mu.Unlock()
	c.JSON(http.StatusOK, gin.H{"count": len(results), "results": results})
}

func (e *Emulator) readConfiguration(c *gin.Context) {
	e.count(c)
	id, ok := pathID(c)
	if !ok {
		return
	}
	e.mu.Lock()
	cfg, found := e.configurations[id]
	var used int
	if found {
		used = cfg.Used
	}
	e.mu.Unlock()
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown configuration"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"id":      id,
		"url":     e.configurationURL(c, id),
		"inerror": false,
		"used":    used,
	})
}

func (e *Emulator) createProcess(c *gin.Context) {
	e.count(c)
	e.mu.Lock()
	drop := e.dropUploads > 0
	if drop {
		e.dropUploads--
	}
	e.mu.Unlock()
	if drop {
		dropConnection(c)
		return
	}

	request, err := readParameters(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	configID, err := configurationRef(c.PostForm("configuration"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	input, err := readDatafile(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	e.mu.Lock()
	cfg, found := e.configurations[configID]
	if !found {
		e.mu.Unlock()
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown configuration"})
		return
	}
	cfg.Used++
	e.nextID++
	proc := &process{
		ID:        e.nextID,
		Config:    configID,
		Pending:   e.cfg.ProcessPolls,
		Result:    envelope(request),
		Output:    input,
		HasOutput: input != nil,
	}
	e.processes[proc.ID] = proc
	e.mu.Unlock()

	c.JSON(http.StatusCreated, gin.H{"id": proc.ID, "processed": proc.Pending <= 0})
}

func (e *Emulator) readProcess(c *gin.Context) {
	e.count(c)
	id, ok := pathID(c)
	if !ok {
		return
	}
	e.mu.Lock()
	proc, found := e.processes[id]
	var body gin.H
	if found {
		if proc.Pending > 0 {
			proc.Pending--
			body = gin.H{"id": id, "processed": false, "inerror": false}
		} else {
			status, _ := proc.Result.Lookup(params.KeyApp, "status")
			encoded, _ := json.Marshal(proc.Result)
			body = gin.H{
				"id":               id,
				"processed":        true,
				"inerror":          status != 0,
				"parametersresult": string(encoded),
			}
			if proc.HasOutput {
				body["datafileresult"] = fmt.Sprintf("/process/%d/result", id)
			}
		}
	}
	e.mu.Unlock()
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown process"})
		return
	}
	c.JSON(http.StatusOK, body)
}

func (e *Emulator) processResult(c *gin.Context) {
	e.count(c)
	id, ok := pathID(c)
	if !ok {
		return
	}
	e.mu.Lock()
	proc, found := e.processes[id]
	e.mu.Unlock()
	if !found || !proc.HasOutput {
		c.JSON(http.StatusNotFound, gin.H{"error": "no result file"})
		return
	}
	c.Data(http.StatusOK, "application/octet-stream", proc.Output)
}

func (e *Emulator) deleteProcess(c *gin.Context) {
	e.count(c)
	id, ok := pathID(c)
	if !ok {
		return
	}
	e.mu.Lock()
	delete(e.processes, id)
	e.mu.Unlock()
	c.Status(http.StatusNoContent)
}

func (e *Emulator) stop(c *gin.Context) {
	e.count(c)
	e.mu.Lock()
	e.stopped = true
	e.configurations = make(map[int]*configuration)
	e.mu.Unlock()
	c.JSON(http.StatusOK, gin.H{"app": gin.H{"status": 0, "msg": "accelerator stopped"}})
}

// envelope builds the result of a request: status 0 unless app.specific
// carries FailKey, and the request's specific section echoed back.
func envelope(request params.Tree) params.Tree {
	specific := request.Specific()
	if specific == nil {
		specific = params.Tree{}
	}
	app := params.Tree{"status": 0, "msg": "ok"}
	if reason, failed := specific[FailKey]; failed {
		app["status"] = 1
		app["msg"] = fmt.Sprint(reason)
		specific = specific.Clone()
		delete(specific, FailKey)
	}
	app[params.KeySpecific] = specific
	if profiling, ok := request.Lookup(params.KeyApp, "profiling"); ok {
		app["profiling"] = profiling
	}
	return params.Tree{params.KeyApp: app}
}

func readParameters(c *gin.Context) (params.Tree, error) {
	raw := c.PostForm("parameters")
	if raw == "" {
		return params.Tree{}, nil
	}
	return params.Parse([]byte(raw))
}

func readDatafile(c *gin.Context) ([]byte, error) {
	header, err := c.FormFile("datafile")
	if err != nil {
		if err == http.ErrMissingFile {
			return nil, nil
		}
		return nil, fmt.Errorf("read datafile: %w", err)
	}
	return readPart(header)
}

func readPart(header *multipart.FileHeader) ([]byte, error) {
	f, err := header.Open()
	if err != nil {
		return nil, fmt.Errorf("open datafile: %w", err)
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("read datafile: %w", err)
	}
	if data == nil {
		data = []byte{}
	}
	return data, nil
}

func pathID(c *gin.Context) (int, bool) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return 0, false
	}
	return id, true
}

// configurationRef accepts a configuration url or a bare id.
func configurationRef(ref string) (int, error) {
	for i := len(ref) - 1; i >= 0; i-- {
		if ref[i] == '/' {
			ref = ref[i+1:]
			break
		}
	}
	id, err := strconv.Atoi(ref)
	if err != nil {
		return 0, fmt.Errorf("invalid configuration reference %q", ref)
	}
	return id, nil
}

func dropConnection(c *gin.Context) {
	conn, _, err := c.Writer.Hijack()
	if err != nil {
		c.AbortWithStatus(http.StatusServiceUnavailable)
		return
	}
	conn.Close()
	c.Abort()
}
