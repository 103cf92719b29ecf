package extraction

const extractionSystemPrompt = "你是一个专业的心理咨询记忆提取助手，善于从对话中识别重要信息。"

const extractionPromptTemplate = `你是一个心理咨询记忆提取助手。分析以下对话，提取重要信息以便在未来的对话中记住。

对话内容：
用户: %s
咨询师: %s

请提取以下类型的记忆（如果存在）：
1. emotion - 用户表达的情绪状态（如：焦虑、悲伤、愤怒、开心等）
2. event - 用户提到的重要事件（如：失业、分手、考试、生病等）
3. concern - 用户的主要担忧和问题
4. relationship - 提到的重要人物关系（如：父母、伴侣、朋友、同事等）
5. coping - 用户使用的应对策略（有效或无效的）
6. goal - 用户的目标或期望
7. insight - 对话中产生的领悟或认识

返回JSON格式：
{
    "memories": [
        {
            "type": "emotion|event|concern|relationship|coping|goal|insight",
            "content": "简洁描述（不超过100字）",
            "importance": 0.1-1.0 (重要性评分),
            "emotion_valence": -1到1 (仅emotion类型需要，负面到正面)
        }
    ]
}

规则：
- 只提取确实存在的信息，不要编造
- 每种类型最多提取1-2条最重要的
- 如果对话中没有值得记住的信息，返回空列表
- importance评分：日常闲聊0.1-0.3，情绪表达0.4-0.6，重大事件0.7-0.9，危机情况1.0
- 用第三人称描述（"用户提到..."而非"我..."）

请只返回JSON，不要其他内容。`

const summaryPromptTemplate = `请用2-3句话总结这次心理咨询对话的要点：

%s

总结应包括：用户的主要问题、情绪状态、讨论的要点。
用第三人称描述。`
