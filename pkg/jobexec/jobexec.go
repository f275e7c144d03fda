// Package jobexec implements C10: the job execution core. One Executor
// runs exactly one step of one job at a time, dequeued from the durable
// per-profile queue, through file ingestion, workflow/job-file
// take-over, the default inference chain, and outbound persistence.
package jobexec

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/shinkailabs/shinkai-node/pkg/jobstore"
	"github.com/shinkailabs/shinkai-node/pkg/message"
	"github.com/shinkailabs/shinkai-node/pkg/metrics"
	"github.com/shinkailabs/shinkai-node/pkg/shinkerr"
	"github.com/shinkailabs/shinkai-node/pkg/shinkiname"
	"github.com/shinkailabs/shinkai-node/pkg/vectorfs"
)

// Capability names an optional ability an Agent may advertise.
type Capability string

const CapabilityImageAnalysis Capability = "ImageAnalysis"

// Agent is the minimal shape the job execution core needs from an LLM
// provider binding: enough to route chains and enforce capability gates.
// Full provider configuration (model parameters, prompt templates) is
// out of scope per the spec's Non-goals.
type Agent struct {
	AgentID      string
	Kind         string
	Capabilities map[Capability]bool
	MaxPromptLen int
}

func (a Agent) Has(cap Capability) bool { return a.Capabilities[cap] }

// JobForProcessing is one unit of work dequeued from the per-profile
// durable queue: a job message plus the profile it executes under.
type JobForProcessing struct {
	JobID        string
	ProfileOwner shinkiname.ShinkaiName
	Message      message.Message
	Workflow     string       // non-empty if job_message.workflow is present
	Files        []InputFile  // files_inbox contents, if any
}

// InputFile is one blob attached to a job message for ingestion.
type InputFile struct {
	Name string
	Data []byte
}

// ChainResult is what any chain (workflow, inference router, or
// specialized handler) returns.
type ChainResult struct {
	Response          string
	NewExecutionContext map[string]string
}

// WorkflowRunner executes a parsed workflow DSL chain. Implementations
// may call back into the inference function and any registered generic
// functions; neither is modeled here beyond the contract.
type WorkflowRunner interface {
	Run(job *jobstore.Job, agent Agent, workflow string, rawMessage string, prevContext map[string]string) (ChainResult, error)
}

// InferenceRouter picks a chain by agent kind and message shape and runs
// default inference.
type InferenceRouter interface {
	Route(job *jobstore.Job, agent Agent, rawMessage string, prevContext map[string]string) (ChainResult, error)
}

// ImageAnalyzer handles jobs whose files include an image attachment.
type ImageAnalyzer interface {
	Analyze(job *jobstore.Job, agent Agent, images []InputFile, rawMessage string) (ChainResult, error)
}

// AgentResolver looks up the Agent bound to a job's parent_agent_id.
type AgentResolver func(agentID string) (Agent, error)

// EmbeddingFunc embeds raw file bytes into a vectorfs.VectorResource for
// ingestion. The parser/embedding-model pipeline itself is out of scope;
// this is the seam the spec names.
type EmbeddingFunc func(name string, data []byte) (*vectorfs.VectorResource, *vectorfs.SourceFileMap, error)

// Executor is the C10 job execution core.
type Executor struct {
	jobs     *jobstore.Store
	vfs      *vectorfs.VectorFS
	logger   zerolog.Logger
	identity shinkiname.ShinkaiName // this node's identity, used as the error-message sender

	resolveAgent AgentResolver
	embed        EmbeddingFunc
	workflows    WorkflowRunner
	router       InferenceRouter
	images       ImageAnalyzer
	jobkai       *JobkaiDispatcher

	mu      sync.Mutex
	locks   map[string]*sync.Mutex // per-job_id step lock
}

// New builds an Executor. router and resolveAgent are required; vfs,
// embed and workflows may be nil, in which case the step they serve is
// skipped as a no-op. With a nil images analyzer, a step carrying image
// files fails and its error is persisted to the job inbox.
func New(
	jobs *jobstore.Store,
	vfs *vectorfs.VectorFS,
	nodeIdentity shinkiname.ShinkaiName,
	resolveAgent AgentResolver,
	embed EmbeddingFunc,
	workflows WorkflowRunner,
	router InferenceRouter,
	images ImageAnalyzer,
	logger zerolog.Logger,
) *Executor {
	return &Executor{
		jobs:         jobs,
		vfs:          vfs,
		logger:       logger.With().Str("component", "jobexec").Logger(),
		identity:     nodeIdentity,
		resolveAgent: resolveAgent,
		embed:        embed,
		workflows:    workflows,
		router:       router,
		images:       images,
		jobkai:       NewJobkaiDispatcher(),
		locks:        make(map[string]*sync.Mutex),
	}
}

// stepLock returns the per-job_id mutex enforcing at-most-one-
// concurrent-step-per-job, creating it on first use.
func (e *Executor) stepLock(jobID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[jobID]
	if !ok {
		l = &sync.Mutex{}
		e.locks[jobID] = l
	}
	return l
}

// ExecuteStep runs one full pipeline pass for item. Every failure is
// caught, converted to the job's structured error message, and inserted
// into the job inbox rather than propagated, matching the spec's
// "persist the error, don't crash the worker" contract. The returned
// error is non-nil only when persisting a successful result or the
// fallback error-insert failed.
func (e *Executor) ExecuteStep(item JobForProcessing) error {
	lock := e.stepLock(item.JobID)
	lock.Lock()
	defer lock.Unlock()

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.JobStepDuration)

	result, err := e.runPipeline(item)
	if err != nil {
		metrics.JobStepsFailedTotal.WithLabelValues(stageOf(err)).Inc()
		return e.persistError(item, err)
	}
	return e.persistSuccess(item, result)
}

func (e *Executor) runPipeline(item JobForProcessing) (ChainResult, error) {
	// Step 1: load job + agent.
	job, err := e.jobs.GetJob(item.JobID)
	if err != nil {
		return ChainResult{}, shinkerr.Wrap(shinkerr.CategoryNotFound, shinkerr.CodeJobNotFound, "load job", err)
	}
	agent, err := e.resolveAgent(job.ParentAgentID)
	if err != nil {
		return ChainResult{}, fmt.Errorf("resolve agent: %w", err)
	}

	history, err := e.jobs.GetStepHistory(item.JobID)
	if err != nil {
		return ChainResult{}, fmt.Errorf("load step history: %w", err)
	}
	prevContext := contextFromHistory(history)

	// Step 2: file ingestion, partitioned by .vrpack vs. other.
	var jobkaiFile *InputFile
	var imageFiles []InputFile
	for i := range item.Files {
		f := item.Files[i]
		switch {
		case strings.HasSuffix(f.Name, ".vrpack"):
			if e.vfs != nil {
				var pack vectorfs.VRPack
				if perr := json.Unmarshal(f.Data, &pack); perr != nil {
					return ChainResult{}, shinkerr.Wrap(shinkerr.CategoryDecode, shinkerr.CodeInvalidSchema, "decode .vrpack file "+f.Name, perr)
				}
				if aerr := e.vfs.ApplyVRPack(item.ProfileOwner.Profile(), item.ProfileOwner, &pack, vectorfs.RootPath()); aerr != nil {
					e.logger.Warn().Err(aerr).Msg("apply ingested vrpack failed")
				} else {
					job.Scope.AddLocalVRPack(f.Name)
				}
			}
		case strings.HasSuffix(f.Name, ".jobkai"):
			jobkaiFile = &item.Files[i]
		case isImageFile(f.Name):
			imageFiles = append(imageFiles, f)
		default:
			if e.embed != nil {
				resource, srcMap, eerr := e.embed(f.Name, f.Data)
				if eerr != nil {
					e.logger.Warn().Err(eerr).Str("file", f.Name).Msg("embed ingestion failed")
					continue
				}
				if e.vfs != nil {
					w, werr := e.vfs.NewWriter(item.ProfileOwner.Profile(), item.ProfileOwner, vectorfs.RootPath())
					if werr == nil {
						if _, serr := w.SaveItem(f.Name, resource, srcMap, int64(len(f.Data))); serr == nil {
							job.Scope.AddVectorFSItem(f.Name)
						}
					}
				}
			}
		}
	}
	if err := e.jobs.UpdateScope(item.JobID, job.Scope); err != nil {
		return ChainResult{}, fmt.Errorf("persist job scope: %w", err)
	}

	rawMessage := item.Message.Body.MessageData.RawContent

	// Step 3: workflow take-over.
	if item.Workflow != "" && e.workflows != nil {
		return e.workflows.Run(job, agent, item.Workflow, rawMessage, prevContext)
	}

	// Step 4: job-file take-over.
	if jobkaiFile != nil {
		return e.jobkai.Dispatch(job, agent, jobkaiFile.Data, rawMessage, prevContext)
	}

	// Step 5: image branch.
	if len(imageFiles) > 0 {
		if !agent.Has(CapabilityImageAnalysis) {
			return ChainResult{}, shinkerr.New(shinkerr.CategoryProvider, shinkerr.CodeMissingCapabilities, "agent lacks ImageAnalysis capability")
		}
		if e.images == nil {
			return ChainResult{}, shinkerr.New(shinkerr.CategoryProvider, shinkerr.CodeMissingCapabilities, "no image analyzer wired")
		}
		return e.images.Analyze(job, agent, imageFiles, rawMessage)
	}

	// Step 6: default inference.
	return e.router.Route(job, agent, rawMessage, prevContext)
}

// persistSuccess builds the agent->user outbound message, inserts it
// into the job inbox, and appends step history. The result's
// NewExecutionContext is not persisted: the next step rebuilds its
// context from the step history alone.
func (e *Executor) persistSuccess(item JobForProcessing, result ChainResult) error {
	outbound := message.Build(message.BuildParams{
		RawContent:    result.Response,
		Schema:        message.SchemaJobMessage,
		SenderNode:    e.identity.NodeName(),
		RecipientNode: item.ProfileOwner.NodeName(),
		InboxName:     item.Message.Body.Internal.InboxName,
	})
	if _, err := e.jobs.AppendMessage(item.Message.Body.Internal.InboxName, outbound, ""); err != nil {
		return fmt.Errorf("insert outbound message: %w", err)
	}
	if err := e.jobs.AppendStepHistory(item.JobID, encodeStepPair(item.Message.Body.MessageData.RawContent, result.Response)); err != nil {
		return fmt.Errorf("append step history: %w", err)
	}
	return nil
}

// persistError converts err into the job's structured error payload and
// inserts it into the job inbox under the node's own identity.
func (e *Executor) persistError(item JobForProcessing, runErr error) error {
	e.logger.Error().Err(runErr).Str("job_id", item.JobID).Msg("job step failed")

	var payload shinkerr.JSON
	if se, ok := runErr.(*shinkerr.Error); ok {
		payload = se.ToJSON()
	} else {
		payload = shinkerr.JSON{Code: "internal", Error: "internal", Message: runErr.Error()}
	}

	content := fmt.Sprintf(`{"code":%q,"error":%q,"message":%q}`, payload.Code, payload.Error, payload.Message)
	errMsg := message.Build(message.BuildParams{
		RawContent:    content,
		Schema:        message.SchemaJobMessage,
		SenderNode:    e.identity.NodeName(),
		RecipientNode: item.ProfileOwner.NodeName(),
		InboxName:     item.Message.Body.Internal.InboxName,
	})
	if _, err := e.jobs.AppendMessage(item.Message.Body.Internal.InboxName, errMsg, ""); err != nil {
		return fmt.Errorf("insert error message: %w", err)
	}
	return nil
}

func contextFromHistory(history []jobstore.StepEntry) map[string]string {
	ctx := make(map[string]string, len(history))
	for i, h := range history {
		ctx[fmt.Sprintf("step_%d", i)] = h.Content
	}
	return ctx
}

func encodeStepPair(userContent, response string) string {
	return fmt.Sprintf("user: %s\nagent: %s", userContent, response)
}

func isImageFile(name string) bool {
	lower := strings.ToLower(name)
	for _, ext := range []string{".png", ".jpg", ".jpeg", ".gif"} {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}

func stageOf(err error) string {
	if se, ok := err.(*shinkerr.Error); ok {
		return string(se.Category)
	}
	return "unknown"
}
