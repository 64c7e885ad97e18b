// internal/models/proposal_form.go
package models

import (
	"sort"
	"strings"
)

// ProposalForm 提案向导表单数据，对流水线而言是不透明结构，只做往返传递
type ProposalForm map[string]interface{}

// HasPersistableData 表单中是否存在值得保存的输入
func (f ProposalForm) HasPersistableData() bool {
	for _, v := range f {
		if hasValue(v) {
			return true
		}
	}
	return false
}

// Clone 深拷贝表单
func (f ProposalForm) Clone() ProposalForm {
	if f == nil {
		return nil
	}
	out := make(ProposalForm, len(f))
	for k, v := range f {
		out[k] = cloneValue(v)
	}
	return out
}

// Keys 返回排序后的字段名
func (f ProposalForm) Keys() []string {
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func hasValue(v interface{}) bool {
	switch val := v.(type) {
	case nil:
		return false
	case string:
		return strings.TrimSpace(val) != ""
	case bool:
		return val
	case []interface{}:
		for _, item := range val {
			if hasValue(item) {
				return true
			}
		}
		return false
	case []string:
		for _, item := range val {
			if strings.TrimSpace(item) != "" {
				return true
			}
		}
		return false
	case map[string]interface{}:
		return ProposalForm(val).HasPersistableData()
	case ProposalForm:
		return val.HasPersistableData()
	default:
		// 数字等标量视为有效输入
		return true
	}
}

func cloneValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		return map[string]interface{}(ProposalForm(val).Clone())
	case ProposalForm:
		return val.Clone()
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	case []string:
		out := make([]string, len(val))
		copy(out, val)
		return out
	default:
		return val
	}
}
