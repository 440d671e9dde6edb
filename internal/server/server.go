package server

import (
	"bytes"
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"time"

	"Proxy_Node_Selector_Go/internal/config"
	"Proxy_Node_Selector_Go/internal/engine"
	"Proxy_Node_Selector_Go/internal/output"
	"Proxy_Node_Selector_Go/pkg/model"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

//go:embed web
var embeddedFS embed.FS

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins
	},
}

// runFunc 执行一次节点优选，测试时可替换
type runFunc func(ctx context.Context, cfg *config.Config, log zerolog.Logger, progressCb engine.ProgressCallback) ([]model.NodeResult, error)

// Server 提供 Web 界面、配置接口以及运行进度的 WebSocket
type Server struct {
	cfgPath string
	exeDir  string
	log     zerolog.Logger
	run     runFunc
}

// New 创建 Web 服务器
func New(cfgPath, exeDir string, log zerolog.Logger) *Server {
	return &Server{cfgPath: cfgPath, exeDir: exeDir, log: log, run: engine.Run}
}

// Handler 返回注册了全部路由的 http.Handler
func (s *Server) Handler() http.Handler {
	// Create a sub-filesystem to remove the "web" prefix
	staticFS, err := fs.Sub(embeddedFS, "web")
	if err != nil {
		panic(err)
	}

	mux := http.NewServeMux()
	mux.Handle("/static/", http.StripPrefix("/static/", http.FileServer(http.FS(staticFS))))
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		f, err := staticFS.Open("index.html")
		if err != nil {
			http.Error(w, "index.html not found", http.StatusInternalServerError)
			return
		}
		defer f.Close()

		content, err := io.ReadAll(f)
		if err != nil {
			http.Error(w, "failed to read index.html", http.StatusInternalServerError)
			return
		}
		http.ServeContent(w, r, "index.html", time.Now(), bytes.NewReader(content))
	})

	mux.HandleFunc("/api/config", s.handleConfig)
	mux.HandleFunc("/ws/run", s.handleWebSocket)
	return mux
}

// Start 启动 Web 服务器
func Start(port int, cfgPath, exeDir string, log zerolog.Logger) {
	s := New(cfgPath, exeDir, log)

	addr := fmt.Sprintf("0.0.0.0:%d", port)
	log.Info().Msgf("服务器正在启动，请在浏览器中打开 http://127.0.0.1:%d", port)

	// 尝试在默认浏览器中打开 URL
	go openBrowser(fmt.Sprintf("http://127.0.0.1:%d", port), log)

	if err := http.ListenAndServe(addr, s.Handler()); err != nil {
		log.Fatal().Err(err).Msg("服务器启动失败")
	}
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		cfg, err := config.LoadConfig(s.cfgPath)
		if err != nil {
			http.Error(w, "Failed to load config", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(cfg)
	case http.MethodPost:
		var newConfig map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&newConfig); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
		if err := saveConfigWithComments(s.cfgPath, newConfig); err != nil {
			http.Error(w, fmt.Sprintf("Failed to save config: %v", err), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// WebSocketMessage 是 WebSocket 上传输的消息
type WebSocketMessage struct {
	Type    string      `json:"type"` // "log", "result" 或 "error"
	RunID   string      `json:"run_id"`
	Payload interface{} `json:"payload"`
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	runID := uuid.NewString()
	log := s.log.With().Str("run_id", runID).Logger()

	// 1. 等待客户端发送的配置覆盖项
	_, msg, err := conn.ReadMessage()
	if err != nil {
		log.Warn().Err(err).Msg("WebSocket read for config failed")
		return
	}

	// 先加载文件中的配置作为基础，再用 WebSocket 发来的数据覆盖它
	runConfig, err := config.LoadConfig(s.cfgPath)
	if err != nil {
		log.Error().Err(err).Msg("Failed to load base config")
		conn.WriteJSON(WebSocketMessage{Type: "error", RunID: runID, Payload: fmt.Sprintf("Failed to load base config: %v", err)})
		return
	}
	if len(bytes.TrimSpace(msg)) > 0 {
		if err := json.Unmarshal(msg, runConfig); err != nil {
			log.Warn().Err(err).Msg("Failed to unmarshal config from WebSocket")
			conn.WriteJSON(WebSocketMessage{Type: "error", RunID: runID, Payload: fmt.Sprintf("Invalid config format: %v", err)})
			return
		}
	}
	runConfig.ApplyDefaults()

	// 客户端断开时取消运行
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				log.Debug().Err(err).Msg("Client disconnected")
				return
			}
		}
	}()

	// 只有这个 goroutine 写连接
	writeChan := make(chan WebSocketMessage, 64)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for msg := range writeChan {
			if err := conn.WriteJSON(msg); err != nil {
				log.Debug().Err(err).Msg("WebSocket write error")
				cancel()
				for range writeChan {
				}
				return
			}
		}
	}()

	send := func(typ string, payload interface{}) {
		select {
		case <-ctx.Done():
		case writeChan <- WebSocketMessage{Type: typ, RunID: runID, Payload: payload}:
		}
	}
	progressCallback := func(message string) {
		send("log", message)
	}

	finalResults, err := s.run(ctx, runConfig, log, progressCallback)
	if err != nil {
		errMsg := fmt.Sprintf("运行出错: %v", err)
		log.Error().Err(err).Msg("run failed")
		send("error", errMsg)
	}
	if finalResults != nil || err == nil {
		send("result", output.ToHumanReadable(finalResults))
		s.saveResults(finalResults, progressCallback)
	}

	progressCallback("--- 任务完成 ---")
	close(writeChan)
	<-writerDone
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

// saveResults 把 Web 模式的结果写到可执行文件所在目录
func (s *Server) saveResults(results []model.NodeResult, progressCb engine.ProgressCallback) {
	if len(results) == 0 {
		return
	}
	jsonFile := filepath.Join(s.exeDir, "web_result.json")
	csvFile := filepath.Join(s.exeDir, "web_result.csv")

	if err := output.WriteJSONFile(jsonFile, results); err != nil {
		s.log.Error().Err(err).Msg("保存 JSON 文件失败")
		progressCb(fmt.Sprintf("错误: 保存 %s 失败。", jsonFile))
	} else {
		progressCb(fmt.Sprintf("结果已保存到 %s", jsonFile))
	}
	if err := output.WriteCSVFile(csvFile, results); err != nil {
		s.log.Error().Err(err).Msg("保存 CSV 文件失败")
		progressCb(fmt.Sprintf("错误: 保存 %s 失败。", csvFile))
	} else {
		progressCb(fmt.Sprintf("结果已保存到 %s", csvFile))
	}
}

func saveConfigWithComments(cfgPath string, newValues map[string]interface{}) error {
	data, err := os.ReadFile(cfgPath)
	if err != nil {
		return err
	}

	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return err
	}
	if len(root.Content) == 0 || root.Content[0].Kind != yaml.MappingNode {
		return fmt.Errorf("配置文件 %s 不是 YAML 映射", cfgPath)
	}

	// yaml.v3 unmarshals to a document node, we need the content
	docNode := root.Content[0]

	// Iterate through the key-value pairs of the mapping node
	for i := 0; i < len(docNode.Content); i += 2 {
		keyNode := docNode.Content[i]
		valNode := docNode.Content[i+1]

		if newValue, ok := newValues[keyNode.Value]; ok {
			// Update the value node with the new value
			setNodeValue(valNode, newValue)
		}
	}

	out, err := yaml.Marshal(&root)
	if err != nil {
		return err
	}

	// 写回前确认结果仍是合法配置
	if _, err := config.Parse(out); err != nil {
		return fmt.Errorf("更新后的配置无效: %w", err)
	}
	return os.WriteFile(cfgPath, out, 0644)
}

// openBrowser tries to open the URL in a default browser.
func openBrowser(url string, log zerolog.Logger) {
	var err error
	switch runtime.GOOS {
	case "linux":
		err = exec.Command("xdg-open", url).Start()
	case "windows":
		err = exec.Command("rundll32", "url.dll,FileProtocolHandler", url).Start()
	case "darwin":
		err = exec.Command("open", url).Start()
	default:
		err = fmt.Errorf("unsupported platform")
	}
	if err != nil {
		log.Warn().Err(err).Msgf("无法自动打开浏览器，请手动打开 %s", url)
	}
}

// setNodeValue updates a yaml.Node's value based on the provided interface{}.
// It handles scalars, slices and maps.
func setNodeValue(node *yaml.Node, value interface{}) {
	switch v := value.(type) {
	case []interface{}:
		node.Kind = yaml.SequenceNode
		node.Tag = "!!seq"
		node.Value = ""
		node.Content = []*yaml.Node{}
		for _, item := range v {
			itemNode := &yaml.Node{}
			// Recursively set value for items in slice
			setNodeValue(itemNode, item)
			node.Content = append(node.Content, itemNode)
		}
	case map[string]interface{}:
		node.Kind = yaml.MappingNode
		node.Tag = "!!map"
		node.Value = ""
		node.Content = []*yaml.Node{}
		for _, key := range sortedKeys(v) {
			keyNode := &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: key}
			valNode := &yaml.Node{}
			setNodeValue(valNode, v[key])
			node.Content = append(node.Content, keyNode, valNode)
		}
	case nil:
		node.Kind = yaml.ScalarNode
		node.Tag = "!!null"
		node.Value = "null"
		node.Content = nil
	default:
		// For simple scalar values
		s := fmt.Sprintf("%v", value)
		node.Value = s
		node.Kind = yaml.ScalarNode
		node.Content = nil

		// Heuristic to guess the tag
		if s == "true" || s == "false" {
			node.Tag = "!!bool"
		} else if _, err := strToInt(s); err == nil {
			node.Tag = "!!int"
		} else if _, err := strToFloat(s); err == nil {
			node.Tag = "!!float"
		} else {
			node.Tag = "!!str"
		}
	}
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func strToFloat(s string) (float64, error) {
	var f float64
	// Use json unmarshaling to handle number parsing robustly
	return f, json.Unmarshal([]byte(s), &f)
}

func strToInt(s string) (int, error) {
	var i int
	// Use json unmarshaling to handle integer parsing robustly
	return i, json.Unmarshal([]byte(s), &i)
}
