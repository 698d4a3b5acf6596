package dispatch

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bakerstreetlabs/awxflow/config"
	"github.com/bakerstreetlabs/awxflow/logger"
	"github.com/bakerstreetlabs/awxflow/model"
	c "github.com/patrickmn/go-cache"
	"go.uber.org/zap"
)

const correlationVar = "awxflow_step_id"
const catalogCacheKey = "job_templates"

// AWXClient talks to the AWX (Ansible Automation Platform) REST API with
// OAuth2 token auth and proactive refresh. Job templates are the action
// catalog; one launched job is one step attempt.
type AWXClient struct {
	baseUrl          string
	username         string
	password         string
	templatePrefix   string
	fallbackTemplate string
	httpClient       *http.Client
	catalog          *c.Cache
	catalogTTL       time.Duration

	mu           sync.Mutex
	token        string
	tokenExpires time.Time
}

var _ Dispatcher = (*AWXClient)(nil)

func NewAWXClient(conf config.AWXConfig) *AWXClient {
	transport := http.DefaultTransport
	if !conf.VerifySSL {
		transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
	}
	return &AWXClient{
		baseUrl:          strings.TrimRight(conf.ApiUrl, "/"),
		username:         conf.Username,
		password:         conf.Password,
		templatePrefix:   conf.TemplatePrefix,
		fallbackTemplate: conf.FallbackTemplate,
		httpClient: &http.Client{
			Timeout:   time.Duration(conf.RequestTimeoutSeconds) * time.Second,
			Transport: transport,
		},
		catalog:    c.New(c.NoExpiration, 10*time.Minute),
		catalogTTL: time.Duration(conf.CatalogCacheTTLSeconds) * time.Second,
	}
}

func (a *AWXClient) getToken(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.token != "" && time.Now().Before(a.tokenExpires.Add(-60*time.Second)) {
		return a.token, nil
	}
	logger.Info("refreshing AWX oauth2 token")
	body, _ := json.Marshal(map[string]string{"description": "awxflow-agent"})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseUrl+"/api/v2/tokens/", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(a.username, a.password)
	req.Header.Set("Content-Type", "application/json")
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return "", &model.TransientDispatchError{Reason: "token request failed", Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return "", classify("create token", resp.StatusCode, readBody(resp))
	}
	var data struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return "", &model.TransientDispatchError{Reason: "decoding token response", Err: err}
	}
	a.token = data.Token
	a.tokenExpires = time.Now().Add(time.Hour)
	return a.token, nil
}

func (a *AWXClient) invalidateToken() {
	a.mu.Lock()
	a.token = ""
	a.tokenExpires = time.Time{}
	a.mu.Unlock()
}

func (a *AWXClient) request(ctx context.Context, method, path string, payload any) (*http.Response, error) {
	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return nil, &model.TerminalDispatchError{Reason: "encoding request payload", Err: err}
		}
	}
	do := func() (*http.Response, error) {
		token, err := a.getToken(ctx)
		if err != nil {
			return nil, err
		}
		req, err := http.NewRequestWithContext(ctx, method, a.baseUrl+path, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Content-Type", "application/json")
		resp, err := a.httpClient.Do(req)
		if err != nil {
			return nil, &model.TransientDispatchError{Reason: fmt.Sprintf("%s %s", method, path), Err: err}
		}
		return resp, nil
	}
	resp, err := do()
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		logger.Warn("AWX token rejected, refreshing and retrying once")
		resp.Body.Close()
		a.invalidateToken()
		return do()
	}
	return resp, nil
}

func (a *AWXClient) Submit(ctx context.Context, action string, params map[string]any, correlationId string) (string, error) {
	template, err := a.resolveTemplate(ctx, action)
	if err != nil {
		return "", err
	}
	extraVars := make(map[string]any, len(params)+1)
	for k, v := range params {
		extraVars[k] = v
	}
	extraVars[correlationVar] = correlationId
	payload := map[string]any{"extra_vars": extraVars}
	if inv, ok := params["inventory_id"]; ok {
		payload["inventory"] = inv
	}
	if limit, ok := params["limit"].(string); ok && limit != "" {
		payload["limit"] = limit
	}
	path := fmt.Sprintf("/api/v2/job_templates/%d/launch/", template.Id)
	resp, err := a.request(ctx, http.MethodPost, path, payload)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return "", classify("launch "+action, resp.StatusCode, readBody(resp))
	}
	var data struct {
		Id int `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return "", &model.TransientDispatchError{Reason: "decoding launch response", Err: err}
	}
	if data.Id == 0 {
		return "", &model.TerminalDispatchError{Reason: "AWX did not return a job id"}
	}
	logger.Info("launched AWX job",
		zap.Int("awxJobId", data.Id),
		zap.String("action", action),
		zap.String("correlationId", correlationId))
	return strconv.Itoa(data.Id), nil
}

func (a *AWXClient) Status(ctx context.Context, externalJobId string) (*JobResult, error) {
	resp, err := a.request(ctx, http.MethodGet, fmt.Sprintf("/api/v2/jobs/%s/", externalJobId), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return &JobResult{State: JOB_NOT_FOUND}, nil
	}
	if resp.StatusCode >= 300 {
		return nil, classify("get job "+externalJobId, resp.StatusCode, readBody(resp))
	}
	var data struct {
		Status         string         `json:"status"`
		JobExplanation string         `json:"job_explanation"`
		Artifacts      map[string]any `json:"artifacts"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, &model.TransientDispatchError{Reason: "decoding job response", Err: err}
	}
	result := &JobResult{Output: data.Artifacts, Detail: data.JobExplanation}
	if state, terminal := TerminalJobState(data.Status); terminal {
		result.State = state
		if result.Detail == "" && state == JOB_FAILED {
			result.Detail = a.jobStdout(ctx, externalJobId)
		}
		if result.Detail == "" && state == JOB_FAILED {
			result.Detail = fmt.Sprintf("job finished with status %s", data.Status)
		}
	} else {
		result.State = JOB_RUNNING
	}
	return result, nil
}

// jobStdout pulls the job's text output for failure detail when AWX gives
// no job_explanation. Best effort, bounded read.
func (a *AWXClient) jobStdout(ctx context.Context, externalJobId string) string {
	resp, err := a.request(ctx, http.MethodGet, fmt.Sprintf("/api/v2/jobs/%s/stdout/?format=txt", externalJobId), nil)
	if err != nil {
		return ""
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return ""
	}
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return strings.TrimSpace(string(b))
}

func (a *AWXClient) Cancel(ctx context.Context, externalJobId string) error {
	resp, err := a.request(ctx, http.MethodPost, fmt.Sprintf("/api/v2/jobs/%s/cancel/", externalJobId), nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusMethodNotAllowed {
		return classify("cancel job "+externalJobId, resp.StatusCode, readBody(resp))
	}
	return nil
}

func (a *AWXClient) Actions(ctx context.Context) ([]model.ActionTemplate, error) {
	if cached, ok := a.catalog.Get(catalogCacheKey); ok {
		return cached.([]model.ActionTemplate), nil
	}
	templates, err := a.listTemplates(ctx, "")
	if err != nil {
		return nil, err
	}
	actions := make([]model.ActionTemplate, 0, len(templates))
	for _, t := range templates {
		if a.templatePrefix != "" && !strings.HasPrefix(t.Name, a.templatePrefix) {
			continue
		}
		t.Name = strings.TrimPrefix(t.Name, a.templatePrefix)
		actions = append(actions, t)
	}
	a.catalog.Set(catalogCacheKey, actions, a.catalogTTL)
	return actions, nil
}

func (a *AWXClient) LookupByCorrelation(ctx context.Context, correlationId string) (string, error) {
	path := "/api/v2/jobs/?" + url.Values{"search": {correlationId}}.Encode()
	resp, err := a.request(ctx, http.MethodGet, path, nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return "", classify("search jobs", resp.StatusCode, readBody(resp))
	}
	var data struct {
		Results []struct {
			Id int `json:"id"`
		} `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return "", &model.TransientDispatchError{Reason: "decoding job search response", Err: err}
	}
	if len(data.Results) == 0 {
		return "", model.ErrNotFound
	}
	return strconv.Itoa(data.Results[0].Id), nil
}

func (a *AWXClient) resolveTemplate(ctx context.Context, action string) (*model.ActionTemplate, error) {
	name := a.templatePrefix + action
	template, err := a.searchTemplate(ctx, name)
	if err != nil {
		return nil, err
	}
	if template == nil && a.fallbackTemplate != "" {
		logger.Warn("no job template for action, using fallback",
			zap.String("action", action), zap.String("fallback", a.fallbackTemplate))
		template, err = a.searchTemplate(ctx, a.fallbackTemplate)
		if err != nil {
			return nil, err
		}
	}
	if template == nil {
		return nil, &model.TerminalDispatchError{Reason: fmt.Sprintf("no job template found for action %s", action)}
	}
	return template, nil
}

func (a *AWXClient) searchTemplate(ctx context.Context, name string) (*model.ActionTemplate, error) {
	templates, err := a.listTemplates(ctx, name)
	if err != nil {
		return nil, err
	}
	for i, t := range templates {
		if strings.EqualFold(t.Name, name) {
			return &templates[i], nil
		}
	}
	return nil, nil
}

func (a *AWXClient) listTemplates(ctx context.Context, search string) ([]model.ActionTemplate, error) {
	values := url.Values{"page_size": {"200"}}
	if search != "" {
		values.Set("search", search)
	}
	resp, err := a.request(ctx, http.MethodGet, "/api/v2/job_templates/?"+values.Encode(), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, classify("list job templates", resp.StatusCode, readBody(resp))
	}
	var data struct {
		Results []struct {
			Id          int    `json:"id"`
			Name        string `json:"name"`
			Description string `json:"description"`
			Playbook    string `json:"playbook"`
		} `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, &model.TransientDispatchError{Reason: "decoding template list", Err: err}
	}
	templates := make([]model.ActionTemplate, 0, len(data.Results))
	for _, item := range data.Results {
		templates = append(templates, model.ActionTemplate{
			Id:          item.Id,
			Name:        item.Name,
			Description: item.Description,
			Playbook:    item.Playbook,
		})
	}
	return templates, nil
}

func classify(op string, code int, body string) error {
	reason := fmt.Sprintf("%s: AWX responded %d: %s", op, code, body)
	if code >= 500 || code == http.StatusTooManyRequests {
		return &model.TransientDispatchError{Reason: reason}
	}
	return &model.TerminalDispatchError{Reason: reason}
}

func readBody(resp *http.Response) string {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	return strings.TrimSpace(string(b))
}
