package classifier

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"reflect"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/itsneelabh/col/core"
)

type namePattern struct {
	re  *regexp.Regexp
	typ RequestType
}

// namePatterns mirrors a fully-qualified-name prefix table; first match
// wins, so order encodes precedence among overlapping prefixes.
var namePatterns = []namePattern{
	{regexp.MustCompile(`(?i)^read_|^load_|^get_file|^fetch`), SystemRead},
	{regexp.MustCompile(`(?i)^write_|^save_|^store_|^update_file`), SystemWrite},
	{regexp.MustCompile(`(?i)^exec|^run_|^shell|^cmd|^subprocess`), SystemExec},
	{regexp.MustCompile(`(?i)^fetch|^request|^download|^upload|^curl`), SystemNetwork},
	{regexp.MustCompile(`(?i)^browse|^click|^navigate|^screenshot|^snapshot`), ToolBrowser},
	{regexp.MustCompile(`(?i)^search|^find|^query|^lookup`), ToolSearch},
	{regexp.MustCompile(`(?i)^send|^message|^post|^email|^tweet|^broadcast`), ToolMessage},
	{regexp.MustCompile(`(?i)^analyze|^classify|^detect|^extract|^parse`), CognitiveAnalyze},
	{regexp.MustCompile(`(?i)^generate|^create|^build|^compose|^draft`), CognitiveGenerate},
	{regexp.MustCompile(`(?i)^plan|^schedule|^orchestrate|^coordinate`), CognitivePlan},
	{regexp.MustCompile(`(?i)^reason|^infer|^deduce|^solve`), CognitiveReason},
	{regexp.MustCompile(`(?i)^api_|^call_|^invoke_`), ExternalAPI},
	{regexp.MustCompile(`(?i)^ssh|^remote_|^connect_`), ExternalSSH},
	{regexp.MustCompile(`(?i)^db_|^sql_|^query_`), ExternalDB},
}

type modulePattern struct {
	substr string
	typ    RequestType
}

var modulePatterns = []modulePattern{
	{"browser", ToolBrowser},
	{"search", ToolSearch},
	{"message", ToolMessage},
	{"discord", ToolMessage},
	{"telegram", ToolMessage},
	{"exec", SystemExec},
	{"subprocess", SystemExec},
	{"shell", SystemExec},
	{"file", ToolFile},
	{"db", ExternalDB},
	{"sql", ExternalDB},
	{"api", ExternalAPI},
	{"ssh", ExternalSSH},
	{"col", MetaGovernance},
	{"orchestrator", MetaGovernance},
}

type riskPattern struct {
	name     string
	re       *regexp.Regexp
	modifier float64
}

var riskPatterns = []riskPattern{
	{"rm_rf", regexp.MustCompile(`(?i)rm\s+-[a-zA-Z]*(rf|fr)|rm\s+-[a-zA-Z]*f[a-zA-Z]*\s+-[a-zA-Z]*r[a-zA-Z]*`), 0.9},
	{"delete_all", regexp.MustCompile(`(?i)(delete|drop|truncate|destroy).*all|\*|bulk`), 0.85},
	{"sudo", regexp.MustCompile(`(?i)sudo|administrator|elevated`), 0.7},
	{"send_message", regexp.MustCompile(`(?i)send|post|tweet|email|broadcast`), 0.5},
	{"network_out", regexp.MustCompile(`(?i)curl|wget|fetch|request|http|api`), 0.4},
	{"write_config", regexp.MustCompile(`(?i)write.*config|override.*settings|modify.*system`), 0.6},
	{"read_sensitive", regexp.MustCompile(`(?i)password|secret|key|credential|token|auth`), 0.5},
	{"eval_code", regexp.MustCompile(`(?i)eval|exec|compile|__import__|subprocess`), 0.8},
	{"shell_command", regexp.MustCompile(`(?i)bash|sh\s+-c|cmd\.exe|powershell`), 0.75},
	{"browser_action", regexp.MustCompile(`(?i)click|submit|fill|type.*input`), 0.4},
	{"db_write", regexp.MustCompile(`(?i)insert|update|delete.*from|drop\s+table`), 0.6},
}

var sensitiveKeywords = []string{"password", "secret", "key", "token", "credential", "private"}

// baseRisk is the per-type floor risk contribution.
var baseRisk = map[RequestType]float64{
	SystemRead:        0.1,
	SystemWrite:       0.3,
	SystemExec:        0.5,
	SystemNetwork:     0.2,
	ToolBrowser:       0.3,
	ToolSearch:        0.1,
	ToolMessage:       0.4,
	ToolFile:          0.15,
	CognitiveAnalyze:  0.05,
	CognitiveGenerate: 0.1,
	CognitiveReason:   0.05,
	CognitivePlan:     0.1,
	ExternalAPI:       0.3,
	ExternalSSH:       0.5,
	ExternalDB:        0.4,
	UserQuery:         0.0,
	UserCommand:       0.15,
	UserConversation:  0.0,
	MetaGovernance:    0.2,
	MetaCheckpoint:    0.1,
	MetaUnknown:       0.3,
}

// Call describes one invocation to classify. Source is optional; when
// present it is scanned for eval/exec/network/file indicators the way the
// original heuristic inspects a callable's source text.
type Call struct {
	QualifiedName string
	Module        string
	Args          []interface{}
	Kwargs        map[string]interface{}
	Source        string
}

// Classifier produces deterministic ClassificationResults for identical
// call signatures, caching by argument *type* fingerprint rather than value,
// so results never leak argument contents into the cache key.
type Classifier struct {
	mu      sync.Mutex
	cache   map[string]Result
	hits    int64
	misses  int64
	logger  core.Logger
}

func New(logger core.Logger) *Classifier {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("col/classifier")
	}
	return &Classifier{cache: make(map[string]Result), logger: logger}
}

// signature fingerprints the call by qualified name plus argument/kwarg
// *types*, via reflect.TypeOf — never argument values.
func signature(c Call) string {
	argTypes := make([]string, len(c.Args))
	for i, a := range c.Args {
		argTypes[i] = typeName(a)
	}

	kwargKeys := make([]string, 0, len(c.Kwargs))
	for k := range c.Kwargs {
		kwargKeys = append(kwargKeys, k)
	}
	sort.Strings(kwargKeys)
	kwargTypes := make([]string, len(kwargKeys))
	for i, k := range kwargKeys {
		kwargTypes[i] = fmt.Sprintf("%s=%s", k, typeName(c.Kwargs[k]))
	}

	raw := fmt.Sprintf("%s:%s:%s", c.QualifiedName, strings.Join(argTypes, ","), strings.Join(kwargTypes, ","))
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])[:16]
}

func typeName(v interface{}) string {
	if v == nil {
		return "nil"
	}
	return reflect.TypeOf(v).String()
}

func classifyByName(qualifiedName string) (RequestType, bool) {
	name := strings.ToLower(qualifiedName)
	for _, p := range namePatterns {
		if p.re.MatchString(name) {
			return p.typ, true
		}
	}
	return MetaUnknown, false
}

func classifyByModule(module string) (RequestType, bool) {
	m := strings.ToLower(module)
	for _, p := range modulePatterns {
		if strings.Contains(m, p.substr) {
			return p.typ, true
		}
	}
	return MetaUnknown, false
}

func analyzeArguments(c Call) (float64, map[string]interface{}) {
	argStr := strings.ToLower(fmt.Sprintf("%v%v", c.Args, c.Kwargs))

	var modifier float64
	var patternsFound []string
	for _, p := range riskPatterns {
		if p.re.MatchString(argStr) {
			modifier += p.modifier
			patternsFound = append(patternsFound, p.name)
		}
	}

	var sensitiveFound []string
	for _, kw := range sensitiveKeywords {
		if strings.Contains(argStr, kw) {
			sensitiveFound = append(sensitiveFound, kw)
			modifier += 0.1
		}
	}

	if modifier > 0.5 {
		modifier = 0.5
	}

	return modifier, map[string]interface{}{
		"arg_count":          len(c.Args),
		"kwarg_count":        len(c.Kwargs),
		"patterns_found":     patternsFound,
		"sensitive_keywords": sensitiveFound,
	}
}

func analyzeSource(source string) (float64, map[string]interface{}) {
	if source == "" {
		return 0, map[string]interface{}{"has_source": false}
	}

	usesEval := strings.Contains(source, "eval(")
	usesExec := strings.Contains(source, "exec(")

	var risk float64
	if usesEval {
		risk += 0.3
	}
	if usesExec {
		risk += 0.4
	}

	networkPatterns := []string{"http.Get", "http.Post", "net.Dial", "Do(req"}
	filePatterns := []string{"os.Remove", "os.Open", "os.Create", "ioutil."}

	var networkHits, fileHits []string
	for _, p := range networkPatterns {
		if strings.Contains(source, p) {
			networkHits = append(networkHits, p)
			risk += 0.1
		}
	}
	for _, p := range filePatterns {
		if strings.Contains(source, p) {
			fileHits = append(fileHits, p)
			risk += 0.05
		}
	}

	return risk, map[string]interface{}{
		"has_source":     true,
		"uses_eval":      usesEval,
		"uses_exec":      usesExec,
		"network_calls":  networkHits,
		"file_operations": fileHits,
	}
}

// Classify runs the full multi-signal pipeline, or returns a cached result
// (with a refreshed timestamp and a prepended signature) on a signature hit.
func (c *Classifier) Classify(call Call) Result {
	sig := signature(call)

	c.mu.Lock()
	if cached, ok := c.cache[sig]; ok {
		c.hits++
		result := Result{
			RequestType: cached.RequestType,
			RiskScore:   cached.RiskScore,
			Confidence:  cached.Confidence,
			Features:    cached.Features,
			Signatures:  append([]string{sig}, cached.Signatures...),
			Timestamp:   time.Now(),
		}
		c.mu.Unlock()
		return result
	}
	c.misses++
	c.mu.Unlock()

	nameType, nameMatched := classifyByName(call.QualifiedName)
	moduleType, moduleMatched := classifyByModule(call.Module)

	type weighted struct {
		typ    RequestType
		weight float64
	}
	var signals []weighted
	if nameMatched {
		signals = append(signals, weighted{nameType, 0.8})
	}
	if moduleMatched {
		signals = append(signals, weighted{moduleType, 0.6})
	}

	argRisk, argFeatures := analyzeArguments(call)
	sourceRisk, sourceFeatures := analyzeSource(call.Source)

	var requestType RequestType
	var confidence float64
	if len(signals) > 0 {
		best := signals[0]
		for _, s := range signals[1:] {
			if s.weight > best.weight {
				best = s
			}
		}
		requestType = best.typ
		var sum float64
		for _, s := range signals {
			sum += s.weight
		}
		confidence = sum / float64(len(signals))
	} else {
		requestType = MetaUnknown
		confidence = 0.3
	}

	if nameMatched && moduleMatched && nameType == moduleType {
		confidence += 0.2
		if confidence > 1.0 {
			confidence = 1.0
		}
	}

	riskScore := baseRisk[requestType] + argRisk + sourceRisk
	if riskScore > 1.0 {
		riskScore = 1.0
	}
	if riskScore < 0 {
		riskScore = 0
	}

	result := Result{
		RequestType: requestType,
		RiskScore:   riskScore,
		Confidence:  confidence,
		Features: map[string]interface{}{
			"arguments": argFeatures,
			"source":    sourceFeatures,
		},
		Signatures: []string{sig},
		Timestamp:  time.Now(),
	}

	c.mu.Lock()
	c.cache[sig] = result
	c.mu.Unlock()

	return result
}

// Stats reports cache effectiveness.
type Stats struct {
	CacheHits          int64
	CacheMisses        int64
	CacheHitRate       float64
	CachedClassifications int
}

func (c *Classifier) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	total := c.hits + c.misses
	var rate float64
	if total > 0 {
		rate = float64(c.hits) / float64(total)
	}
	return Stats{
		CacheHits:             c.hits,
		CacheMisses:           c.misses,
		CacheHitRate:          rate,
		CachedClassifications: len(c.cache),
	}
}

// ClearCache empties the classification cache and resets counters.
func (c *Classifier) ClearCache() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache = make(map[string]Result)
	c.hits = 0
	c.misses = 0
}
