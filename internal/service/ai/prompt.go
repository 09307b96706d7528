package ai

import (
	"fmt"
	"strings"
)

const defaultInterviewerPrompt = "你是一位面试官，正在与候选人进行技术面试。请根据候选人的回答给出专业的反馈和下一个问题。"

const screenshotInstruction = "这是候选人当前屏幕的截图，可能包含笔试题、代码或报错信息。请识别其中的题目或问题，给出简明的解题思路与关键要点。"

// PromptConfig 面试官提示词的可选覆盖项。
type PromptConfig struct {
	SystemPrompt string
	Position     string
	Language     string
}

// BuildSystemPrompt 组装面试官的系统提示词。
func (c PromptConfig) BuildSystemPrompt() string {
	base := strings.TrimSpace(c.SystemPrompt)
	if base == "" {
		base = defaultInterviewerPrompt
	}

	var b strings.Builder
	b.WriteString(base)
	if pos := strings.TrimSpace(c.Position); pos != "" {
		b.WriteString(fmt.Sprintf("\n\n面试岗位：%s。", pos))
	}
	b.WriteString("\n\n反馈规则：\n- 先点评候选人本轮回答的优点与不足\n- 再给出一个循序渐进的追问\n- 控制在 200 字以内")
	if lang := strings.TrimSpace(c.Language); lang != "" {
		b.WriteString(fmt.Sprintf("\n- 使用%s回答", lang))
	}
	return b.String()
}
