package flow

import "github.com/BTreeMap/CorpusPipe/internal/models"

// User-facing texts.
const (
	textLearnPrompt        = "请输入关键词\n回复 退出 来退出学习"
	textLearnReplyPrompt   = "请输入回复内容\n回复 退出 来退出学习"
	textLearnConfirm       = "确认保存吗? [Y/N]\n回复 退出 来退出学习"
	textLearnRetryDownload = "图片保存失败，回复 Y 重试\n回复 退出 来退出学习"
	textLearnSuccess       = "学习成功~"
	textLearnCancelled     = "已取消学习"
	textLearnQuit          = "学习已退出~"
	textLearnTimeout       = "学习已超时，已自动退出~"
	textLearnFailed        = "学习失败，请稍后再试"

	textForgetPrompt    = "请输入要忘记的关键词\n回复 退出 来退出忘记"
	textForgetConfirm   = "确认忘记吗? [Y/N]\n回复 退出 来退出忘记"
	textForgetSuccess   = "忘记成功~"
	textForgetCancelled = "已取消忘记"
	textForgetQuit      = "忘记已退出~"
	textForgetTimeout   = "忘记已超时，已自动退出~"
	textForgetFailed    = "忘记失败，请稍后再试"

	textKeywordExists    = "关键词已存在，请重新输入"
	textKeywordMissing   = "关键词不存在，请重新输入"
	textInvalidKeyword   = "关键词只支持文本和表情，请重新输入"
	textInvalidReply     = "回复只支持文本、图片和表情"
	textPermissionDenied = "无权删除他人的关键词"

	// TextAlreadyInFlow is sent when a user starts a flow while another is open.
	TextAlreadyInFlow = "你还有未完成的学习或忘记，回复 退出 来退出"
)

func say(text string) models.Message {
	return models.Message{models.Text(text)}
}
