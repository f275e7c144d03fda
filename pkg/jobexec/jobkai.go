package jobexec

import (
	"encoding/json"
	"fmt"

	"github.com/shinkailabs/shinkai-node/pkg/jobstore"
)

// JobkaiSchema closes the set of .jobkai control-file kinds.
type JobkaiSchema string

const (
	JobkaiCronRequest    JobkaiSchema = "cron_request"
	JobkaiCron           JobkaiSchema = "cron"
	JobkaiImageAnalysis  JobkaiSchema = "image_analysis"
)

// JobkaiFile is the parsed contents of a .jobkai control file.
type JobkaiFile struct {
	Schema JobkaiSchema    `json:"schema"`
	Params json.RawMessage `json:"params"`
}

// JobkaiHandler owns the response for one .jobkai schema.
type JobkaiHandler func(job *jobstore.Job, agent Agent, file JobkaiFile, rawMessage string, prevContext map[string]string) (ChainResult, error)

// JobkaiDispatcher routes a parsed .jobkai file to its schema handler.
// Full cron scheduling is out of scope; these are stub handlers
// satisfying the documented dispatch contract.
type JobkaiDispatcher struct {
	handlers map[JobkaiSchema]JobkaiHandler
}

// NewJobkaiDispatcher builds a dispatcher with the default stub handlers
// for cron_request, cron, and image_analysis.
func NewJobkaiDispatcher() *JobkaiDispatcher {
	d := &JobkaiDispatcher{handlers: make(map[JobkaiSchema]JobkaiHandler)}
	d.handlers[JobkaiCronRequest] = stubCronRequest
	d.handlers[JobkaiCron] = stubCron
	d.handlers[JobkaiImageAnalysis] = stubImageAnalysis
	return d
}

// SetHandler overrides the handler for schema, letting a fuller cron
// engine or image pipeline replace the stub.
func (d *JobkaiDispatcher) SetHandler(schema JobkaiSchema, h JobkaiHandler) {
	d.handlers[schema] = h
}

// Dispatch parses data as a JobkaiFile and routes it to its handler.
func (d *JobkaiDispatcher) Dispatch(job *jobstore.Job, agent Agent, data []byte, rawMessage string, prevContext map[string]string) (ChainResult, error) {
	var file JobkaiFile
	if err := json.Unmarshal(data, &file); err != nil {
		return ChainResult{}, fmt.Errorf("parse .jobkai file: %w", err)
	}
	handler, ok := d.handlers[file.Schema]
	if !ok {
		return ChainResult{}, fmt.Errorf("no handler for jobkai schema %q", file.Schema)
	}
	return handler(job, agent, file, rawMessage, prevContext)
}

func stubCronRequest(job *jobstore.Job, agent Agent, file JobkaiFile, rawMessage string, prevContext map[string]string) (ChainResult, error) {
	return ChainResult{Response: "cron request registered", NewExecutionContext: prevContext}, nil
}

func stubCron(job *jobstore.Job, agent Agent, file JobkaiFile, rawMessage string, prevContext map[string]string) (ChainResult, error) {
	return ChainResult{Response: "cron job acknowledged", NewExecutionContext: prevContext}, nil
}

func stubImageAnalysis(job *jobstore.Job, agent Agent, file JobkaiFile, rawMessage string, prevContext map[string]string) (ChainResult, error) {
	if !agent.Has(CapabilityImageAnalysis) {
		return ChainResult{}, fmt.Errorf("agent %s lacks ImageAnalysis capability", agent.AgentID)
	}
	return ChainResult{Response: "image analysis job acknowledged", NewExecutionContext: prevContext}, nil
}
