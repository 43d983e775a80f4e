package screening

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"ai-screener-go/internal/types"

	"github.com/xeipuuv/gojsonschema"
)

// messageSchemaJSON 队列消息的结构约束，必填字段不能是空白字符串
const messageSchemaJSON = `{
  "type": "object",
  "required": ["application_id", "job_description", "resume_path"],
  "properties": {
    "application_id":  {"type": "string", "pattern": "\\S"},
    "job_description": {"type": "string", "pattern": "\\S"},
    "resume_path":     {"type": "string", "pattern": "\\S"},
    "job_skills":      {"type": ["string", "object", "array", "null"]},
    "source":          {"type": "string", "enum": ["web", "bulk", "recommendation", ""]},
    "from":            {"type": "string", "enum": ["web", "bulk", "recommendation", ""]},
    "job_id":          {"type": ["string", "null"]}
  }
}`

var messageSchema = mustCompileSchema(messageSchemaJSON)

func mustCompileSchema(s string) *gojsonschema.Schema {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(s))
	if err != nil {
		panic(fmt.Sprintf("编译消息 schema 失败: %v", err))
	}
	return schema
}

// Decode 校验并解码队列消息，按 source 返回对应的任务类型。
// 任何校验失败都返回 KindMalformed 的 *Error。
func Decode(body []byte) (types.ScreeningJob, error) {
	result, err := messageSchema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return nil, malformed("", "decode", fmt.Errorf("消息不是合法JSON: %v", err))
	}

	var msg types.ScreeningMessage
	if result.Valid() {
		if err := json.Unmarshal(body, &msg); err != nil {
			return nil, malformed("", "decode", err)
		}
	} else {
		// 尽量取出 application_id 便于日志定位
		_ = json.Unmarshal(body, &msg)
		errs := make([]string, len(result.Errors()))
		for i, desc := range result.Errors() {
			errs[i] = desc.String()
		}
		return nil, malformed(msg.ApplicationID, "validate", fmt.Errorf("消息校验失败: %s", strings.Join(errs, "; ")))
	}

	source := types.Source(msg.Source)
	if source == "" {
		source = types.Source(msg.From)
	}
	if source == "" {
		source = types.SourceWeb
	}

	skills, err := normalizeSkills(msg.JobSkills)
	if err != nil {
		return nil, malformed(msg.ApplicationID, "validate", err)
	}

	fields := types.JobFields{
		ApplicationID:  strings.TrimSpace(msg.ApplicationID),
		JobDescription: msg.JobDescription,
		JobSkills:      skills,
		ResumePath:     strings.TrimSpace(msg.ResumePath),
	}

	switch source {
	case types.SourceWeb:
		return types.WebJob{JobFields: fields}, nil
	case types.SourceBulk:
		return types.BulkJob{JobFields: fields}, nil
	case types.SourceRecommendation:
		jobID := strings.TrimSpace(msg.JobID)
		if jobID == "" {
			return nil, malformed(fields.ApplicationID, "validate", fmt.Errorf("推荐任务缺少 job_id"))
		}
		return types.RecommendationJob{JobFields: fields, JobID: jobID}, nil
	}
	return nil, malformed(fields.ApplicationID, "validate", fmt.Errorf("未知来源: %q", source))
}

// normalizeSkills 把技能字段统一为文本。对象按 key 排序逐行展开，数组用逗号连接。
func normalizeSkills(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", fmt.Errorf("job_skills 无法解析: %v", err)
	}
	return skillText(v), nil
}

func skillText(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case []interface{}:
		parts := make([]string, 0, len(t))
		for _, item := range t {
			if s := skillText(item); s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, ", ")
	case map[string]interface{}:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		lines := make([]string, 0, len(keys))
		for _, k := range keys {
			if s := skillText(t[k]); s != "" {
				lines = append(lines, k+": "+s)
			} else {
				lines = append(lines, k)
			}
		}
		return strings.Join(lines, "\n")
	default:
		return fmt.Sprint(t)
	}
}
