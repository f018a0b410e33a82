package grading

import "fmt"

// ResponseSchema 按题数生成 Gemini responseSchema
// 字段顺序与 CSV 栏位一致：student_id, total_score, question_1..n, remarks
func ResponseSchema(questionCount int) map[string]interface{} {
	props := map[string]interface{}{
		"student_id":  map[string]interface{}{"type": "string"},
		"total_score": map[string]interface{}{"type": "number"},
		"remarks":     map[string]interface{}{"type": "string"},
	}
	order := []interface{}{"student_id", "total_score"}
	required := []interface{}{"student_id", "total_score"}
	for i := 1; i <= questionCount; i++ {
		key := fmt.Sprintf("question_%d", i)
		props[key] = map[string]interface{}{"type": "number"}
		order = append(order, key)
		required = append(required, key)
	}
	order = append(order, "remarks")
	required = append(required, "remarks")

	return map[string]interface{}{
		"type":             "object",
		"properties":       props,
		"required":         required,
		"propertyOrdering": order,
	}
}
