package parser

import (
	"regexp"
	"strings"
	"unicode"

	"docmem-go/internal/types"
	"docmem-go/internal/utils"
)

const (
	minHeaderLength       = 2  // 去除空白后短于此长度的行不参与标题判断
	maxHeuristicHeaderLen = 50 // 启发式标题的最大长度
	maxHeuristicWords     = 5  // 启发式标题的最大词数
	minSectionLength      = 20 // 标题加正文短于此长度的章节丢弃
)

// SectionPattern 已知章节标题的匹配规则，按顺序尝试，先命中者生效
type SectionPattern struct {
	Regexp *regexp.Regexp
	Type   types.SectionType
}

var defaultSectionPatterns = []SectionPattern{
	// 简历
	{regexp.MustCompile(`^(EDUCATION|Education|ACADEMIC BACKGROUND)[\s:]*$`), types.SectionEducation},
	{regexp.MustCompile(`^(EXPERIENCE|Experience|WORK EXPERIENCE|EMPLOYMENT|PROFESSIONAL EXPERIENCE)[\s:]*$`), types.SectionExperience},
	{regexp.MustCompile(`^(SKILLS|Skills|TECHNICAL SKILLS|CORE COMPETENCIES)[\s:]*$`), types.SectionSkills},
	{regexp.MustCompile(`^(PROJECTS|Projects|PERSONAL PROJECTS|KEY PROJECTS)[\s:]*$`), types.SectionProjects},
	{regexp.MustCompile(`^(SUMMARY|Summary|PROFESSIONAL SUMMARY|PROFILE|OBJECTIVE)[\s:]*$`), types.SectionSummary},
	{regexp.MustCompile(`^(CERTIFICATIONS?|Certifications?|LICENSES?)[\s:]*$`), types.SectionCertifications},
	{regexp.MustCompile(`^(AWARDS?|Awards?|HONORS?|ACHIEVEMENTS?)[\s:]*$`), types.SectionAwards},
	{regexp.MustCompile(`^(PUBLICATIONS?|Publications?)[\s:]*$`), types.SectionPublications},
	{regexp.MustCompile(`^(LANGUAGES?|Languages?)[\s:]*$`), types.SectionLanguages},
	{regexp.MustCompile(`^(INTERESTS?|Interests?|HOBBIES)[\s:]*$`), types.SectionInterests},
	{regexp.MustCompile(`^(CONTACT|Contact|CONTACT INFORMATION)[\s:]*$`), types.SectionContact},
	{regexp.MustCompile(`^(REFERENCES?|References?)[\s:]*$`), types.SectionReferences},

	// 论文
	{regexp.MustCompile(`^(ABSTRACT|Abstract)[\s:]*$`), types.SectionAbstract},
	{regexp.MustCompile(`^(INTRODUCTION|Introduction)[\s:]*$`), types.SectionIntroduction},
	{regexp.MustCompile(`^(METHODOLOGY|Methodology|METHODS?|Methods?)[\s:]*$`), types.SectionMethodology},
	{regexp.MustCompile(`^(RESULTS?|Results?)[\s:]*$`), types.SectionResults},
	{regexp.MustCompile(`^(DISCUSSION|Discussion)[\s:]*$`), types.SectionDiscussion},
	{regexp.MustCompile(`^(CONCLUSION|Conclusion|CONCLUSIONS?)[\s:]*$`), types.SectionConclusion},

	// 编号标题、全大写标题
	{regexp.MustCompile(`^(\d+\.?\s*[A-Z][A-Za-z\s]+)$`), types.SectionNumbered},
	{regexp.MustCompile(`^([A-Z][A-Z\s]{2,})$`), types.SectionUppercaseHeader},
}

// DefaultSectionPatterns 返回默认规则的副本
func DefaultSectionPatterns() []SectionPattern {
	return append([]SectionPattern(nil), defaultSectionPatterns...)
}

// SectionDetector 基于规则把逐页文本切分为章节，无 I/O、无状态，可并发使用
type SectionDetector struct {
	patterns []SectionPattern
}

// NewSectionDetector patterns 为空时使用默认规则
func NewSectionDetector(patterns ...SectionPattern) *SectionDetector {
	if len(patterns) == 0 {
		patterns = defaultSectionPatterns
	}
	return &SectionDetector{patterns: patterns}
}

type sectionHeader struct {
	lineIdx     int
	title       string
	sectionType types.SectionType
}

// Detect 识别章节。没有任何章节通过过滤时返回空切片，兜底由 DetectWithFallback 负责。
// 页码按字符位置线性估算，对图片或表格较多的 PDF 只是近似值。
func (d *SectionDetector) Detect(pages []string) []types.DocumentSection {
	allText := strings.Join(pages, "\n")
	lines := strings.Split(allText, "\n")

	headers := d.findHeaders(lines)
	if len(headers) == 0 {
		return []types.DocumentSection{}
	}

	pageCount := len(pages)
	charsPerPage := float64(utils.RuneLen(allText)) / float64(max(pageCount, 1))

	// lineOffsets[i] 为第 i 行之前所有行的字符数之和（不含换行符）
	lineOffsets := make([]int, len(lines)+1)
	for i, l := range lines {
		lineOffsets[i+1] = lineOffsets[i] + utils.RuneLen(l)
	}

	sections := make([]types.DocumentSection, 0, len(headers))
	for i, h := range headers {
		end := len(lines)
		if i+1 < len(headers) {
			end = headers[i+1].lineIdx
		}
		content := strings.TrimSpace(strings.Join(lines[h.lineIdx+1:end], "\n"))
		contentLen := utils.RuneLen(content)
		// 正文为空直接丢弃；长度按 "标题\n正文" 计算
		if contentLen == 0 || utils.RuneLen(h.title)+1+contentLen < minSectionLength {
			continue
		}

		charPos := lineOffsets[h.lineIdx]
		sections = append(sections, types.DocumentSection{
			Title:       h.title,
			Content:     content,
			SectionType: h.sectionType,
			PageStart:   estimatePage(charPos, charsPerPage, pageCount),
			PageEnd:     estimatePage(charPos+contentLen, charsPerPage, pageCount),
		})
	}
	return sections
}

// DetectWithFallback 与 Detect 相同，但在没有识别出章节时返回覆盖全文的单个 general 章节
func (d *SectionDetector) DetectWithFallback(pages []string) []types.DocumentSection {
	if sections := d.Detect(pages); len(sections) > 0 {
		return sections
	}
	return []types.DocumentSection{FallbackSection(pages)}
}

// FallbackSection 覆盖整篇文档的兜底章节
func FallbackSection(pages []string) types.DocumentSection {
	return types.DocumentSection{
		Title:       types.FallbackSectionTitle,
		Content:     strings.Join(pages, "\n"),
		SectionType: types.SectionGeneral,
		PageStart:   1,
		PageEnd:     max(len(pages), 1),
	}
}

func (d *SectionDetector) findHeaders(lines []string) []sectionHeader {
	var headers []sectionHeader
	for i, raw := range lines {
		line := strings.TrimSpace(raw)
		if utils.RuneLen(line) < minHeaderLength {
			continue
		}
		if t, ok := d.match(line); ok {
			headers = append(headers, sectionHeader{lineIdx: i, title: line, sectionType: t})
			continue
		}
		if looksLikeHeader(line) {
			headers = append(headers, sectionHeader{lineIdx: i, title: line, sectionType: types.SectionGeneral})
		}
	}
	return headers
}

func (d *SectionDetector) match(line string) (types.SectionType, bool) {
	for _, p := range d.patterns {
		if p.Regexp.MatchString(line) {
			return p.Type, true
		}
	}
	return "", false
}

// looksLikeHeader 短、全大写、词数少且不是纯数字的行视为标题
func looksLikeHeader(line string) bool {
	return utils.RuneLen(line) < maxHeuristicHeaderLen &&
		isUpper(line) &&
		len(strings.Fields(line)) <= maxHeuristicWords &&
		!isDigits(line)
}

// isUpper 至少包含一个有大小写之分的字符，且其中没有小写字符
func isUpper(s string) bool {
	cased := false
	for _, r := range s {
		switch {
		case unicode.IsLower(r), unicode.IsTitle(r):
			return false
		case unicode.IsUpper(r):
			cased = true
		}
	}
	return cased
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

// estimatePage 按字符位置估算页码，结果限制在 [1, pageCount]
func estimatePage(charPos int, charsPerPage float64, pageCount int) int {
	page := 1
	if charsPerPage > 0 {
		page = int(float64(charPos)/charsPerPage) + 1
	}
	if page > pageCount {
		page = pageCount
	}
	if page < 1 {
		page = 1
	}
	return page
}
