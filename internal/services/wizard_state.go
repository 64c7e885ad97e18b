// internal/services/wizard_state.go
package services

import (
	"github.com/Corphon/ProposalPilot/internal/models"
)

// WizardState 表单向导的内存状态
type WizardState struct {
	Form       models.ProposalForm `json:"form"`
	Step       int                 `json:"step"`
	StepErrors map[string]string   `json:"step_errors,omitempty"`
}

// NewWizardState 空表单
func NewWizardState() WizardState {
	return WizardState{Form: models.ProposalForm{}}
}

// Reset 回到空表单第 0 步
func (w *WizardState) Reset() {
	*w = NewWizardState()
}

// Load 从草稿加载表单和步骤
func (w *WizardState) Load(form models.ProposalForm, step int) {
	w.Form = form.Clone()
	if w.Form == nil {
		w.Form = models.ProposalForm{}
	}
	w.Step = step
	w.StepErrors = nil
}

// Merge 合并表单字段，nil 值删除字段
func (w *WizardState) Merge(fields map[string]interface{}) {
	if w.Form == nil {
		w.Form = models.ProposalForm{}
	}
	for k, v := range fields {
		if v == nil {
			delete(w.Form, k)
			continue
		}
		w.Form[k] = v
	}
}

// ClearErrors 清除步骤校验错误
func (w *WizardState) ClearErrors() {
	w.StepErrors = nil
}

// HasPersistableData 表单是否有可保存的内容
func (w WizardState) HasPersistableData() bool {
	return w.Form.HasPersistableData()
}

// Clone 副本
func (w WizardState) Clone() WizardState {
	c := WizardState{Form: w.Form.Clone(), Step: w.Step}
	if w.StepErrors != nil {
		c.StepErrors = make(map[string]string, len(w.StepErrors))
		for k, v := range w.StepErrors {
			c.StepErrors[k] = v
		}
	}
	return c
}
