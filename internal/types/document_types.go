package types

// SectionType 文档章节类型标签
type SectionType string

const (
	// 简历类
	SectionEducation      SectionType = "education"
	SectionExperience     SectionType = "experience"
	SectionSkills         SectionType = "skills"
	SectionProjects       SectionType = "projects"
	SectionSummary        SectionType = "summary"
	SectionCertifications SectionType = "certifications"
	SectionAwards         SectionType = "awards"
	SectionPublications   SectionType = "publications"
	SectionLanguages      SectionType = "languages"
	SectionInterests      SectionType = "interests"
	SectionContact        SectionType = "contact"
	SectionReferences     SectionType = "references"

	// 论文类
	SectionAbstract     SectionType = "abstract"
	SectionIntroduction SectionType = "introduction"
	SectionMethodology  SectionType = "methodology"
	SectionResults      SectionType = "results"
	SectionDiscussion   SectionType = "discussion"
	SectionConclusion   SectionType = "conclusion"

	// 通用
	SectionNumbered        SectionType = "numbered_section"
	SectionUppercaseHeader SectionType = "uppercase_header"
	SectionGeneral         SectionType = "general"
)

// FallbackSectionTitle 未识别出任何章节时使用的标题
const FallbackSectionTitle = "Document Content"

// DocumentSection 文档中识别出的一个连续章节，页码从 1 开始
type DocumentSection struct {
	Title       string      `json:"title"`
	Content     string      `json:"content"`
	SectionType SectionType `json:"section_type"`
	PageStart   int         `json:"page_start"`
	PageEnd     int         `json:"page_end"`
}

// SectionOutline 处理结果中每个章节的概要
type SectionOutline struct {
	Title string      `json:"title"`
	Type  SectionType `json:"type"`
	Pages string      `json:"pages"` // 例如 "1-2"
}

// ProcessingSummary 一次文档处理的结果概要
type ProcessingSummary struct {
	SectionsDetected int              `json:"sections_detected"`
	MemoriesCreated  int              `json:"memories_created"`
	Sections         []SectionOutline `json:"sections"`
	MemoryIDs        []string         `json:"memory_ids"`
}
