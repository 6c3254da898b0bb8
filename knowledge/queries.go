package knowledge

// Cypher queries against the GDPR graph. The schema bootstrap is an external
// one-shot script; this client only reads.

const queryContextForType = `
MATCH (t:DetectionType {name: $detectionType})-[:TRIGGERS]->(a:Article)
OPTIONAL MATCH (a)-[:CLARIFIED_BY]->(r:Recital)
OPTIONAL MATCH (a)-[:INVOLVES]->(c:Concept)
OPTIONAL MATCH (t)-[:MITIGATED_BY]->(m:Action)
RETURN a.number AS number,
       a.title AS title,
       a.content AS content,
       a.fine_tier AS fine_tier,
       a.severity AS severity,
       collect(DISTINCT r.number) AS related_recitals,
       collect(DISTINCT c.name) AS related_concepts,
       collect(DISTINCT m.name) AS recommended_actions
ORDER BY a.number`

const queryKeywordSearch = `
MATCH (a:Article)
WHERE toLower(a.content) CONTAINS toLower($term)
   OR toLower(a.title) CONTAINS toLower($term)
RETURN a.title AS title, a.content AS content
LIMIT $k`

const queryVectorSearch = `
CALL db.index.vector.queryNodes('article_embeddings', $k, $embedding)
YIELD node, score
RETURN node.title AS title, node.content AS content, score
ORDER BY score DESC`

const queryFineInfo = `
MATCH (a:Article {number: $number})
OPTIONAL MATCH (a)-[:SANCTIONED_BY]->(f:FineTier)
RETURN a.number AS number,
       a.title AS title,
       a.fine_tier AS fine_tier,
       f.max_amount AS max_amount,
       f.max_revenue_pct AS max_revenue_pct`

const queryExplanationGraph = `
MATCH (t:DetectionType {name: $detectionType})-[rel:TRIGGERS]->(a:Article)
OPTIONAL MATCH (a)-[:CLARIFIED_BY]->(r:Recital)
RETURN t.name AS detection_type,
       a.number AS article_number,
       a.title AS article_title,
       type(rel) AS relation,
       collect(DISTINCT r.number) AS recitals`
